package feature_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/senzu-ai/senzu/internal/cache"
	cachemem "github.com/senzu-ai/senzu/internal/cache/memory"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/feature"
	"github.com/senzu-ai/senzu/internal/store/memory"
)

type countingStore struct {
	domain.FeatureStore
	fetches atomic.Int32
}

func (s *countingStore) Fetch(ctx context.Context, matchID, version string) (domain.FeatureVector, error) {
	s.fetches.Add(1)
	return s.FeatureStore.Fetch(ctx, matchID, version)
}

func vector(matchID string, dim int) domain.FeatureVector {
	vals := make([]float64, dim)
	for i := range vals {
		vals[i] = float64(i) / 10
	}
	return domain.FeatureVector{MatchID: matchID, Version: "v1", Values: vals, ComputedAt: time.Now().UTC()}
}

func TestSchema(t *testing.T) {
	Convey("The default schema accepts 72-dimension v1 vectors only", t, func() {
		s := feature.DefaultSchema()
		So(s.Validate(vector("m1", 72)), ShouldBeNil)
		So(errors.Is(s.Validate(vector("m1", 71)), domain.ErrInvalidInput), ShouldBeTrue)

		bad := vector("m1", 72)
		bad.Values[5] = math.NaN()
		So(errors.Is(s.Validate(bad), domain.ErrInvalidInput), ShouldBeTrue)
		bad.Values[5] = math.Inf(-1)
		So(errors.Is(s.Validate(bad), domain.ErrInvalidInput), ShouldBeTrue)

		unknown := vector("m1", 72)
		unknown.Version = "v9"
		So(errors.Is(s.Validate(unknown), domain.ErrInvalidInput), ShouldBeTrue)
		So(s.Versions(), ShouldResemble, []string{"v1"})
	})
}

func TestCachedStore(t *testing.T) {
	Convey("Given a cached feature store", t, func() {
		ctx := context.Background()
		inner := &countingStore{FeatureStore: memory.NewFeatures()}
		c := cache.New[domain.FeatureVector](cachemem.NewBackend(nil), cachemem.NewLockManager(nil),
			cache.JSONCodec[domain.FeatureVector]{Tag: "feature.v1"}, cache.Options{Name: "feature"})
		s := feature.NewCachedStore(inner, c, feature.DefaultSchema(), time.Minute, nil)

		Convey("A missing vector reads as not computed", func() {
			_, err := s.Fetch(ctx, "m1", "v1")
			So(errors.Is(err, domain.ErrNotComputed), ShouldBeTrue)
		})

		Convey("A saved vector is served from cache afterwards", func() {
			So(inner.Save(ctx, vector("m1", 72)), ShouldBeNil)
			first, err := s.Fetch(ctx, "m1", "v1")
			So(err, ShouldBeNil)
			So(first.Dim(), ShouldEqual, 72)
			_, err = s.Fetch(ctx, "m1", "v1")
			So(err, ShouldBeNil)
			So(inner.fetches.Load(), ShouldEqual, 1)
		})

		Convey("Save rejects invalid vectors and refreshes the cache", func() {
			So(errors.Is(s.Save(ctx, vector("m1", 3)), domain.ErrInvalidInput), ShouldBeTrue)

			v := vector("m1", 72)
			v.Values[0] = 42
			So(s.Save(ctx, v), ShouldBeNil)
			got, err := s.Fetch(ctx, "m1", "v1")
			So(err, ShouldBeNil)
			So(got.Values[0], ShouldEqual, 42)
			So(inner.fetches.Load(), ShouldEqual, 0)
		})

		Convey("A corrupt stored vector is treated as not computed", func() {
			So(inner.Save(ctx, vector("m1", 10)), ShouldBeNil)
			_, err := s.Fetch(ctx, "m1", "v1")
			So(errors.Is(err, domain.ErrNotComputed), ShouldBeTrue)
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeFalse)
		})

		Convey("Invalidate forces the next fetch back to the store", func() {
			So(inner.Save(ctx, vector("m1", 72)), ShouldBeNil)
			_, err := s.Fetch(ctx, "m1", "v1")
			So(err, ShouldBeNil)

			n, err := s.Invalidate(ctx, "m1")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			_, err = s.Fetch(ctx, "m1", "v1")
			So(err, ShouldBeNil)
			So(inner.fetches.Load(), ShouldEqual, 2)
		})

		Convey("Bad identifiers are rejected before any lookup", func() {
			_, err := s.Fetch(ctx, "m*", "v1")
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
			_, err = s.Fetch(ctx, "m1", "v7")
			So(errors.Is(err, domain.ErrInvalidInput), ShouldBeTrue)
			So(inner.fetches.Load(), ShouldEqual, 0)
		})
	})
}
