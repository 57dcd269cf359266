package model_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/model"
)

const payload = `{
  "type": "softmax_linear",
  "feature_version": "v1",
  "outcomes": ["home", "draw", "away"],
  "weights": [[1, 0], [0, 0], [0, 1]],
  "bias": [0.1, 0, -0.1]
}`

func TestDecode(t *testing.T) {
	Convey("Given a softmax_linear payload", t, func() {
		m, err := model.Decode(strings.NewReader(payload))
		So(err, ShouldBeNil)

		Convey("It exposes its shape", func() {
			So(m.Outcomes(), ShouldResemble, []string{"home", "draw", "away"})
			So(m.FeatureDim(), ShouldEqual, 2)
			So(m.FeatureVersion(), ShouldEqual, "v1")
		})

		Convey("Predict returns a normalised distribution", func() {
			p, err := m.Predict(context.Background(), []float64{2, 0})
			So(err, ShouldBeNil)
			sum := p["home"] + p["draw"] + p["away"]
			So(math.Abs(sum-1), ShouldBeLessThan, 1e-12)
			So(p["home"], ShouldBeGreaterThan, p["draw"])
			So(p["draw"], ShouldBeGreaterThan, p["away"])
		})

		Convey("Large logits do not overflow", func() {
			p, err := m.Predict(context.Background(), []float64{1e6, 0})
			So(err, ShouldBeNil)
			So(p["home"], ShouldAlmostEqual, 1, 1e-9)
		})

		Convey("Wrong dimensionality is rejected", func() {
			_, err := m.Predict(context.Background(), []float64{1})
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
		})

		Convey("A cancelled context stops inference", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := m.Predict(ctx, []float64{1, 1})
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})

	Convey("Malformed payloads are rejected", t, func() {
		for _, p := range []model.Payload{
			{Type: "xgboost", Outcomes: []string{"a", "b"}, Weights: [][]float64{{1}, {1}}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a"}, Weights: [][]float64{{1}}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a", "a"}, Weights: [][]float64{{1}, {1}}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a", "b"}, Weights: [][]float64{{1}, {1, 2}}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a", "b"}, Weights: [][]float64{{1}, {1}}, Bias: []float64{1}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a", "b"}, Weights: [][]float64{{math.NaN()}, {1}}},
			{Type: model.TypeSoftmaxLinear, Outcomes: []string{"a", "b"}, Weights: [][]float64{{1}, {1}}, Temperature: -1},
		} {
			_, err := model.FromPayload(p)
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
		}
		_, err := model.Decode(strings.NewReader("{not json"))
		So(err, ShouldNotBeNil)
	})
}
