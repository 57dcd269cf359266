package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotComputed           = errors.New("feature vector not computed")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrTimeout               = errors.New("deadline exceeded")
	ErrInvalidDistribution   = errors.New("invalid probability distribution")
	ErrInvalidOdds           = errors.New("invalid odds")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrLockHeld              = errors.New("lock already held")
	ErrRateLimited           = errors.New("rate limited")
)

// Stage names a step of the prediction pipeline.
type Stage string

const (
	StageStart        Stage = "start"
	StageCacheCheck   Stage = "cache_check"
	StageModelLoad    Stage = "model_load"
	StageFeatureFetch Stage = "feature_fetch"
	StageInference    Stage = "inference"
	StageEVCompute    Stage = "ev_compute"
	StagePersist      Stage = "persist"
	StageCacheWrite   Stage = "cache_write"
	StageDone         Stage = "done"
)

// PredictionError is the typed error returned by the inference service. Kind
// is one of the sentinel errors above; errors.Is matches both Kind and Err.
type PredictionError struct {
	Stage    Stage
	Kind     error
	Breakers map[string]string
	Err      error
}

func (e *PredictionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "predict: %s at %s", e.Kind, e.Stage)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if open := e.OpenCircuits(); len(open) > 0 {
		fmt.Fprintf(&b, " (open circuits: %s)", strings.Join(open, ","))
	}
	return b.String()
}

func (e *PredictionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// OpenCircuits lists the dependencies whose breaker was not closed when the
// error was produced, sorted by name.
func (e *PredictionError) OpenCircuits() []string {
	var out []string
	for name, state := range e.Breakers {
		if state != "closed" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
