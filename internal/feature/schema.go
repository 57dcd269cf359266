// Package feature validates versioned feature vectors and fronts the
// feature store with a cache.
package feature

import (
	"fmt"
	"math"
	"sort"

	"github.com/senzu-ai/senzu/internal/domain"
)

// DefaultVersion is the feature layout current models are trained on.
const DefaultVersion = "v1"

// Schema maps a feature version to its fixed dimensionality.
type Schema struct {
	dims map[string]int
}

// NewSchema copies dims into a Schema.
func NewSchema(dims map[string]int) *Schema {
	s := &Schema{dims: make(map[string]int, len(dims))}
	for v, d := range dims {
		s.dims[v] = d
	}
	return s
}

// DefaultSchema knows v1, the 72-dimension layout.
func DefaultSchema() *Schema {
	return NewSchema(map[string]int{DefaultVersion: 72})
}

// Dim returns the dimension of version.
func (s *Schema) Dim(version string) (int, bool) {
	d, ok := s.dims[version]
	return d, ok
}

// Versions lists the registered versions in sorted order.
func (s *Schema) Versions() []string {
	out := make([]string, 0, len(s.dims))
	for v := range s.dims {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Validate checks a vector against its version: the version is known, the
// length matches, and every value is finite.
func (s *Schema) Validate(v domain.FeatureVector) error {
	if v.MatchID == "" {
		return fmt.Errorf("feature: vector without match id: %w", domain.ErrInvalidInput)
	}
	dim, ok := s.dims[v.Version]
	if !ok {
		return fmt.Errorf("feature: unknown version %q: %w", v.Version, domain.ErrInvalidInput)
	}
	if len(v.Values) != dim {
		return fmt.Errorf("feature: %s/%s has %d values, want %d: %w",
			v.MatchID, v.Version, len(v.Values), dim, domain.ErrInvalidInput)
	}
	for i, x := range v.Values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("feature: %s/%s value %d is %v: %w", v.MatchID, v.Version, i, x, domain.ErrInvalidInput)
		}
	}
	return nil
}
