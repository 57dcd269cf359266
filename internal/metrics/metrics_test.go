package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a custom registry and options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithRegistry(registry),
			)

			Convey("Then it uses that registry", func() {
				So(manager, ShouldNotBeNil)
				So(manager.Registry(), ShouldEqual, registry)
			})
		})

		Convey("When a nil manager records", func() {
			var manager *Manager

			Convey("Then nothing panics", func() {
				So(func() {
					manager.RecordPrediction("ok", "hit", time.Millisecond)
					manager.RecordCacheOp("prediction", "get", "hit")
					manager.SetBreakerState("cache", 1)
				}, ShouldNotPanic)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		manager := NewManager(WithRegistry(prometheus.NewRegistry()))

		Convey("When recording predictions", func() {
			manager.RecordPrediction("ok", "leader", 12*time.Millisecond)
			manager.RecordPrediction("ok", "hit", time.Millisecond)
			manager.RecordPrediction("timeout", "none", time.Second)

			Convey("Then counters are labelled by outcome and path", func() {
				body := scrape(manager)
				So(body, ShouldContainSubstring, `senzu_inference_predictions_total{outcome="ok",path="leader"} 1`)
				So(body, ShouldContainSubstring, `senzu_inference_predictions_total{outcome="timeout",path="none"} 1`)
			})
		})

		Convey("When recording invalidations", func() {
			manager.RecordInvalidation("match", 3)
			manager.RecordInvalidation("scope", 0)

			Convey("Then removed keys accumulate", func() {
				body := scrape(manager)
				So(body, ShouldContainSubstring, "senzu_inference_cache_invalidated_keys_total 3")
				So(body, ShouldContainSubstring, `senzu_inference_cache_invalidations_total{reason="scope"} 1`)
			})
		})

		Convey("When breaker state changes", func() {
			manager.SetBreakerState("features", 1)

			Convey("Then the gauge holds the state", func() {
				So(scrape(manager), ShouldContainSubstring, `senzu_inference_breaker_state{dependency="features"} 1`)
			})
		})

		Convey("When disabled", func() {
			disabled := NewManager(WithRegistry(prometheus.NewRegistry()), WithMetricsEnabled(false))
			disabled.RecordArchived(10)

			Convey("Then nothing is counted", func() {
				So(scrape(disabled), ShouldContainSubstring, "senzu_inference_archived_predictions_total 0")
			})
		})

		Convey("When scraping the handler", func() {
			manager.RecordCacheOp("prediction", "get", "miss")
			rec := httptest.NewRecorder()
			manager.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Convey("Then the exposition includes the cache counter", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(strings.Contains(rec.Body.String(), "senzu_inference_cache_operations_total"), ShouldBeTrue)
			})
		})
	})
}

func scrape(m *Manager) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
