// Package model decodes trained model payloads and runs inference.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/senzu-ai/senzu/internal/domain"
)

// TypeSoftmaxLinear is a multinomial logistic model: one weight row and bias
// per outcome, softmax over the logits.
const TypeSoftmaxLinear = "softmax_linear"

// maxPayloadBytes bounds a decoded payload.
const maxPayloadBytes = 64 << 20

// Payload is the JSON document stored in object storage for an artifact.
type Payload struct {
	Type           string      `json:"type"`
	FeatureVersion string      `json:"feature_version"`
	Outcomes       []string    `json:"outcomes"`
	Weights        [][]float64 `json:"weights"`
	Bias           []float64   `json:"bias,omitempty"`
	Temperature    float64     `json:"temperature,omitempty"`
}

// SoftmaxLinear is immutable after Decode and safe for concurrent use.
type SoftmaxLinear struct {
	featureVersion string
	outcomes       []string
	weights        [][]float64
	bias           []float64
	temperature    float64
	dim            int
}

// Decode reads and validates a payload.
func Decode(r io.Reader) (*SoftmaxLinear, error) {
	var p Payload
	dec := json.NewDecoder(io.LimitReader(r, maxPayloadBytes))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("model: decode payload: %w", err)
	}
	return FromPayload(p)
}

// FromPayload validates p and builds the model.
func FromPayload(p Payload) (*SoftmaxLinear, error) {
	if p.Type != TypeSoftmaxLinear {
		return nil, fmt.Errorf("model: unsupported payload type %q: %w", p.Type, domain.ErrInvalidInput)
	}
	k := len(p.Outcomes)
	if k < 2 {
		return nil, fmt.Errorf("model: need at least 2 outcomes, got %d: %w", k, domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, k)
	for _, o := range p.Outcomes {
		if o == "" || seen[o] {
			return nil, fmt.Errorf("model: empty or duplicate outcome %q: %w", o, domain.ErrInvalidInput)
		}
		seen[o] = true
	}
	if len(p.Weights) != k {
		return nil, fmt.Errorf("model: %d weight rows for %d outcomes: %w", len(p.Weights), k, domain.ErrInvalidInput)
	}
	dim := len(p.Weights[0])
	if dim == 0 {
		return nil, fmt.Errorf("model: empty weight rows: %w", domain.ErrInvalidInput)
	}
	for i, row := range p.Weights {
		if len(row) != dim {
			return nil, fmt.Errorf("model: weight row %d has %d columns, want %d: %w", i, len(row), dim, domain.ErrInvalidInput)
		}
		if !finite(row) {
			return nil, fmt.Errorf("model: weight row %d is not finite: %w", i, domain.ErrInvalidInput)
		}
	}
	bias := p.Bias
	if len(bias) == 0 {
		bias = make([]float64, k)
	}
	if len(bias) != k || !finite(bias) {
		return nil, fmt.Errorf("model: bias must be %d finite values: %w", k, domain.ErrInvalidInput)
	}
	temp := p.Temperature
	if temp == 0 {
		temp = 1
	}
	if temp < 0 || math.IsNaN(temp) || math.IsInf(temp, 0) {
		return nil, fmt.Errorf("model: temperature %v: %w", p.Temperature, domain.ErrInvalidInput)
	}

	return &SoftmaxLinear{
		featureVersion: p.FeatureVersion,
		outcomes:       append([]string(nil), p.Outcomes...),
		weights:        p.Weights,
		bias:           bias,
		temperature:    temp,
		dim:            dim,
	}, nil
}

// FeatureVersion is the layout the weights were trained on, or "" if the
// payload did not say.
func (m *SoftmaxLinear) FeatureVersion() string { return m.featureVersion }

func (m *SoftmaxLinear) Outcomes() []string { return append([]string(nil), m.outcomes...) }

func (m *SoftmaxLinear) FeatureDim() int { return m.dim }

// Predict returns softmax(W·x + b)/T as a distribution over outcomes.
func (m *SoftmaxLinear) Predict(ctx context.Context, features []float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(features) != m.dim {
		return nil, fmt.Errorf("model: got %d features, want %d: %w", len(features), m.dim, domain.ErrInvalidInput)
	}

	logits := make([]float64, len(m.outcomes))
	maxLogit := math.Inf(-1)
	for i, row := range m.weights {
		z := m.bias[i]
		for j, w := range row {
			z += w * features[j]
		}
		z /= m.temperature
		logits[i] = z
		if z > maxLogit {
			maxLogit = z
		}
	}

	var sum float64
	for i, z := range logits {
		logits[i] = math.Exp(z - maxLogit)
		sum += logits[i]
	}
	out := make(map[string]float64, len(m.outcomes))
	for i, o := range m.outcomes {
		out[o] = logits[i] / sum
	}
	return out, nil
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Compile-time interface check.
var _ domain.Model = (*SoftmaxLinear)(nil)
