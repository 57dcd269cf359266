// Package retry re-invokes transient-failing calls with capped exponential
// backoff and full jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// Backoff blocks until the next attempt may start. It returns ctx.Err() if
// the context ends first.
type Backoff func(context.Context) error

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts includes the first call. Values below 1 mean 1.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64

	// Retryable reports whether err is worth another attempt. Default is
	// IsTransient.
	Retryable func(error) bool

	// Jitter returns a value in [0,1). Default is rand.Float64.
	Jitter func() float64
}

// DefaultPolicy is three attempts starting at 25ms, capped at 250ms.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Initial:     25 * time.Millisecond,
	Max:         250 * time.Millisecond,
	Multiplier:  2,
}

// IsTransient reports whether err may succeed on retry. Validation outcomes,
// open circuits and context termination are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNotComputed),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Delay returns the full-jitter delay before retry n (0-based).
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	ceiling := float64(p.Initial) * math.Pow(mult, float64(n))
	if p.Max > 0 && ceiling > float64(p.Max) {
		ceiling = float64(p.Max)
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return time.Duration(jitter() * ceiling)
}

// Backoff returns a Backoff that waits Delay(0), Delay(1), ... on successive
// calls.
func (p Policy) Backoff() Backoff {
	n := 0
	return func(ctx context.Context) error {
		d := p.Delay(n)
		n++
		if d <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends. The last error from fn is returned.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	wait := p.Backoff()

	var (
		last T
		err  error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := wait(ctx); werr != nil {
				return last, err
			}
		}
		last, err = fn(ctx)
		if err == nil || !retryable(err) {
			return last, err
		}
	}
	return last, err
}
