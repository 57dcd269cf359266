package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	cachemem "github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/config"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/metrics"
	"github.com/senzu-ai/senzu/internal/notify"
	"github.com/senzu-ai/senzu/internal/server"
	"github.com/senzu-ai/senzu/internal/server/handler"
	"github.com/senzu-ai/senzu/internal/store/memory"
)

type payloads map[string][]byte

func (p payloads) Get(_ context.Context, path string) (io.ReadCloser, error) {
	d, ok := p[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (p payloads) Exists(_ context.Context, path string) (bool, error) {
	_, ok := p[path]
	return ok, nil
}

func softmaxPayload(bias string) []byte {
	row := func(w string) string { return strings.TrimSuffix(strings.Repeat(w+",", 72), ",") }
	return []byte(fmt.Sprintf(
		`{"type":"softmax_linear","feature_version":"v1","outcomes":["home","draw","away"],"weights":[[%s],[%s],[%s]],"bias":[%s]}`,
		row("0.01"), row("0"), row("-0.01"), bias))
}

func memoryDeps() *Dependencies {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	matches := memory.NewMatches(domain.Match{
		ID: "m1", Sport: "football", HomeTeam: "ARS", AwayTeam: "CHE",
		KickoffAt: time.Now().Add(72 * time.Hour), Status: domain.MatchStatusScheduled,
	})
	odds := memory.NewOdds()
	odds.Put(domain.OddsSnapshot{
		MatchID: "m1", Market: domain.MarketMatchResult, Bookmaker: "pinnacle",
		Prices: map[string]float64{"home": 2.1, "draw": 3.4, "away": 3.6}, CapturedAt: time.Now(),
	})
	features := memory.NewFeatures()
	vals := make([]float64, 72)
	for i := range vals {
		vals[i] = float64(i%5) / 5
	}
	_ = features.Save(ctx, domain.FeatureVector{MatchID: "m1", Version: "v1", Values: vals, ComputedAt: time.Now()})

	models := memory.NewModels(
		domain.ModelArtifact{ID: "epl-1", Scope: "epl", Version: "1.0.0", FeatureVersion: "v1", PayloadRef: "models/epl-1.json", Active: true},
		domain.ModelArtifact{ID: "epl-2", Scope: "epl", Version: "2.0.0", FeatureVersion: "v1", PayloadRef: "models/epl-2.json"},
	)

	return &Dependencies{
		MatchStore:      matches,
		OddsStore:       odds,
		FeatureStore:    features,
		ModelStore:      models,
		PredictionStore: memory.NewPredictions(),
		AuditStore:      memory.NewAudit(),
		CacheBackend:    cachemem.NewBackend(nil),
		LockManager:     cachemem.NewLockManager(nil),
		SignalBus:       cachemem.NewBus(),
		BlobReader: payloads{
			"models/epl-1.json": softmaxPayload("0.2,0,-0.2"),
			"models/epl-2.json": softmaxPayload("-0.2,0,0.2"),
		},
		Metrics:  metrics.NewManager(metrics.WithRegistry(prometheus.NewRegistry())),
		Notifier: notify.NewNotifier(nil, nil, logger),
		Checks:   map[string]handler.Check{},
	}
}

func get(h http.Handler, method, target, body string) (int, map[string]any) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestAppWiring(t *testing.T) {
	Convey("Given an app assembled over in-memory dependencies", t, func() {
		cfg := config.Defaults()
		cfg.Storage = "memory"
		cfg.Models.WarmScopes = []string{"epl"}
		a := New(&cfg, slog.New(slog.DiscardHandler))
		deps := memoryDeps()

		core := a.BuildCore(deps)
		a.warmup(context.Background(), core)
		api := server.NewHandler(server.Config{}, a.Handlers(deps, core), server.Deps{Recorder: deps.Metrics}, nil, a.base)

		Convey("Then warmup loaded the configured scope", func() {
			So(core.Registry.Active(), ShouldContainKey, "epl")
		})

		Convey("When a prediction is requested over HTTP", func() {
			code, body := get(api, http.MethodGet, "/api/predictions/m1", "")

			Convey("Then it is computed with the active model and persisted", func() {
				So(code, ShouldEqual, http.StatusOK)
				So(body["model_version"], ShouldEqual, "1.0.0")
				So(body["scope"], ShouldEqual, "epl")
				So(body["degraded"], ShouldBeFalse)
				So(deps.PredictionStore.(*memory.Predictions).Len(), ShouldEqual, 1)
			})

			Convey("And a repeat is served from the cache", func() {
				code, body := get(api, http.MethodGet, "/api/predictions/m1", "")
				So(code, ShouldEqual, http.StatusOK)
				So(body["model_version"], ShouldEqual, "1.0.0")
				So(deps.PredictionStore.(*memory.Predictions).Len(), ShouldEqual, 1)
			})

			Convey("And activating another artifact invalidates the scope", func() {
				code, body := get(api, http.MethodPost, "/api/models/epl/activate", `{"artifact_id":"epl-2"}`)
				So(code, ShouldEqual, http.StatusOK)
				So(body["version"], ShouldEqual, "2.0.0")
				So(core.Registry.Active()["epl"].ID, ShouldEqual, "epl-2")

				code, body = get(api, http.MethodGet, "/api/predictions/m1", "")
				So(code, ShouldEqual, http.StatusOK)
				So(body["model_version"], ShouldEqual, "2.0.0")
				So(deps.PredictionStore.(*memory.Predictions).Len(), ShouldEqual, 2)
			})
		})

		Convey("When the status is read", func() {
			code, body := get(api, http.MethodGet, "/api/status", "")

			Convey("Then every dependency breaker is listed", func() {
				So(code, ShouldEqual, http.StatusOK)
				breakers := body["breakers"].(map[string]any)
				for _, name := range []string{"cache", "feature_cache", "features", "matches", "models", "store"} {
					So(breakers[name], ShouldEqual, "closed")
				}
			})
		})

		Convey("When an unknown match is requested", func() {
			code, body := get(api, http.MethodGet, "/api/predictions/m404", "")

			Convey("Then it maps to 404", func() {
				So(code, ShouldEqual, http.StatusNotFound)
				So(body["kind"], ShouldEqual, domain.ErrNotFound.Error())
			})
		})
	})
}

type countingArchiver struct {
	cutoffs []time.Time
}

func (c *countingArchiver) ArchivePredictions(_ context.Context, before time.Time) (int64, error) {
	c.cutoffs = append(c.cutoffs, before)
	return 4, nil
}

func TestArchiveOnce(t *testing.T) {
	Convey("Given a retention of 30 days", t, func() {
		cfg := config.Defaults()
		cfg.Archive.Retention.Duration = 30 * 24 * time.Hour
		a := New(&cfg, slog.New(slog.DiscardHandler))
		arch := &countingArchiver{}

		Convey("When the archiver runs once", func() {
			a.archiveOnce(context.Background(), arch)

			Convey("Then the cutoff trails now by the retention", func() {
				So(arch.cutoffs, ShouldHaveLength, 1)
				age := time.Since(arch.cutoffs[0])
				So(age, ShouldBeGreaterThanOrEqualTo, 30*24*time.Hour)
				So(age, ShouldBeLessThan, 30*24*time.Hour+time.Minute)
			})
		})
	})
}
