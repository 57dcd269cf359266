// Package breaker implements a three-state circuit breaker (closed, open,
// half-open) used to isolate each external dependency of the inference path.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings configures a Breaker. Zero values fall back to the defaults noted
// on each field.
type Settings struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker. Default 5.
	FailureThreshold int

	// FailureRate opens the breaker when the share of failures within Window
	// reaches it, provided at least MinRequests were observed. 0 disables the
	// rate rule.
	FailureRate float64
	MinRequests int
	Window      time.Duration

	// Cooldown is how long the breaker stays open before admitting a trial.
	// Default 30s.
	Cooldown time.Duration

	// HalfOpenSuccesses is the number of consecutive successful trials that
	// close a half-open breaker. Default 2.
	HalfOpenSuccesses int

	// IsFailure decides which errors count against the dependency. Default
	// is IsDependencyFailure.
	IsFailure func(error) bool

	// OnStateChange is called outside the breaker lock after a transition.
	OnStateChange func(name string, from, to State)

	Clock domain.Clock
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker is safe for concurrent use.
type Breaker struct {
	s Settings

	mu            sync.Mutex
	state         State
	generation    uint64
	consecutive   int
	trialSuccess  int
	trialInFlight bool
	openedAt      time.Time
	window        []outcome
}

// New creates a closed Breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.HalfOpenSuccesses <= 0 {
		s.HalfOpenSuccesses = 2
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.IsFailure == nil {
		s.IsFailure = IsDependencyFailure
	}
	if s.Clock == nil {
		s.Clock = domain.SystemClock{}
	}
	return &Breaker{s: s}
}

// IsDependencyFailure treats every error as a dependency failure except
// caller-side validation outcomes and caller cancellation.
func IsDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrNotComputed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.s.Name }

// State returns the current state, applying an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr := b.advance(b.s.Clock.Now())
	st := b.state
	b.mu.Unlock()
	b.notify(tr)
	return st
}

// Allow reports whether a call may proceed. On success the returned done
// function must be called exactly once with the call's error.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	now := b.s.Clock.Now()
	tr := b.advance(now)

	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		b.notify(tr)
		return nil, fmt.Errorf("breaker %s: %w", b.s.Name, domain.ErrCircuitOpen)
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			b.notify(tr)
			return nil, fmt.Errorf("breaker %s: trial in flight: %w", b.s.Name, domain.ErrCircuitOpen)
		}
		b.trialInFlight = true
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(tr)

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.record(gen, callErr) })
	}, nil
}

// Execute runs fn if the breaker admits it and records the result.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Do is Execute for functions returning a value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	done, err := b.Allow()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn()
	done(err)
	return v, err
}

func (b *Breaker) record(gen uint64, callErr error) {
	failed := b.s.IsFailure(callErr)

	b.mu.Lock()
	if gen != b.generation {
		// The call was admitted under an earlier state; its result says
		// nothing about the current one.
		b.mu.Unlock()
		return
	}
	now := b.s.Clock.Now()
	var tr *transition

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if failed {
			tr = b.setState(StateOpen, now)
			break
		}
		b.trialSuccess++
		if b.trialSuccess >= b.s.HalfOpenSuccesses {
			tr = b.setState(StateClosed, now)
		}
	case StateClosed:
		b.observe(now, failed)
		if failed {
			b.consecutive++
		} else {
			b.consecutive = 0
		}
		if b.consecutive >= b.s.FailureThreshold || b.rateExceeded() {
			tr = b.setState(StateOpen, now)
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

func (b *Breaker) observe(now time.Time, failed bool) {
	b.window = append(b.window, outcome{at: now, failed: failed})
	cutoff := now.Add(-b.s.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) rateExceeded() bool {
	if b.s.FailureRate <= 0 || len(b.window) < b.s.MinRequests || len(b.window) == 0 {
		return false
	}
	failures := 0
	for _, o := range b.window {
		if o.failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.s.FailureRate
}

type transition struct {
	from, to State
}

// advance moves an open breaker to half-open once the cooldown has elapsed.
// Caller holds mu.
func (b *Breaker) advance(now time.Time) *transition {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.s.Cooldown)) {
		return b.setState(StateHalfOpen, now)
	}
	return nil
}

// setState resets per-state counters and bumps the generation. Caller holds mu.
func (b *Breaker) setState(to State, now time.Time) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.generation++
	b.consecutive = 0
	b.trialSuccess = 0
	b.trialInFlight = false
	b.window = b.window[:0]
	if to == StateOpen {
		b.openedAt = now
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil || b.s.OnStateChange == nil {
		return
	}
	b.s.OnStateChange(b.s.Name, tr.from, tr.to)
}
