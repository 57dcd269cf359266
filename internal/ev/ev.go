// Package ev computes the expected value of a unit stake from a predicted
// probability distribution and decimal market odds.
package ev

import (
	"fmt"
	"math"
	"sort"

	"github.com/senzu-ai/senzu/internal/domain"
)

// Tolerance is the allowed deviation of a distribution's sum from 1.
const Tolerance = 1e-6

// Compute returns EV = p*o - 1 for every outcome in probabilities. The
// distribution must sum to 1 within Tolerance and every outcome must have
// finite odds greater than 1. All inputs are validated before any output is
// produced; the arguments are never modified.
func Compute(probabilities, odds map[string]float64) (map[string]float64, error) {
	if err := ValidateDistribution(probabilities); err != nil {
		return nil, err
	}
	for outcome := range probabilities {
		o, ok := odds[outcome]
		if !ok {
			return nil, fmt.Errorf("ev: no odds for outcome %q: %w", outcome, domain.ErrInvalidOdds)
		}
		if math.IsNaN(o) || math.IsInf(o, 0) || o <= 1.0 {
			return nil, fmt.Errorf("ev: odds %v for outcome %q must be > 1.0: %w", o, outcome, domain.ErrInvalidOdds)
		}
	}

	out := make(map[string]float64, len(probabilities))
	for outcome, p := range probabilities {
		out[outcome] = p*odds[outcome] - 1
	}
	return out, nil
}

// ValidateDistribution checks that every probability is finite and within
// [0,1] and that they sum to 1 within Tolerance.
func ValidateDistribution(probabilities map[string]float64) error {
	if len(probabilities) == 0 {
		return fmt.Errorf("ev: empty distribution: %w", domain.ErrInvalidDistribution)
	}
	var sum float64
	for outcome, p := range probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			return fmt.Errorf("ev: probability %v for outcome %q out of range: %w", p, outcome, domain.ErrInvalidDistribution)
		}
		sum += p
	}
	if math.Abs(sum-1) > Tolerance {
		return fmt.Errorf("ev: probabilities sum to %v: %w", sum, domain.ErrInvalidDistribution)
	}
	return nil
}

// Best returns the outcome with the highest EV. Ties resolve to the
// lexically smallest label. It returns "" for an empty map.
func Best(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := ""
	for _, k := range keys {
		if best == "" || values[k] > values[best] {
			best = k
		}
	}
	return best
}
