// Package registry resolves the active model per scope and activates new
// artifacts atomically.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/senzu-ai/senzu/internal/cache"
	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/metrics"
	"github.com/senzu-ai/senzu/internal/model"
)

// ActivateHook runs after a scope's active model changed, e.g. to drop the
// scope's cached predictions.
type ActivateHook func(ctx context.Context, scope string) error

// Options tunes a Registry.
type Options struct {
	// WorkingSetSize bounds the number of decoded models kept in memory.
	WorkingSetSize int
	// LoadTimeout bounds one payload download and decode.
	LoadTimeout time.Duration
	OnActivate  ActivateHook
	Metrics     *metrics.Manager
	Logger      *slog.Logger
	Clock       domain.Clock
}

type snapshot map[string]*domain.ActiveModel

// Registry implements domain.ModelRegistry. Readers load an immutable
// snapshot map through an atomic pointer; writers copy, modify and swap it
// under mu.
type Registry struct {
	store domain.ModelStore
	blobs domain.BlobReader
	audit domain.AuditStore
	opts  Options

	current atomic.Pointer[snapshot]

	mu          sync.Mutex
	generations map[string]uint64

	activateMu sync.Mutex
	loads      singleflight.Group
	working    *workingSet
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(store domain.ModelStore, blobs domain.BlobReader, audit domain.AuditStore, opts Options) *Registry {
	if opts.WorkingSetSize <= 0 {
		opts.WorkingSetSize = 8
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		store:       store,
		blobs:       blobs,
		audit:       audit,
		opts:        opts,
		generations: make(map[string]uint64),
		working:     newWorkingSet(opts.WorkingSetSize),
		logger:      opts.Logger.With(slog.String("component", "registry")),
	}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// GetActive returns the active model of scope, loading it on first use.
func (r *Registry) GetActive(ctx context.Context, scope string) (*domain.ActiveModel, error) {
	if err := cache.ValidateID("scope", scope); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if am, ok := (*r.current.Load())[scope]; ok {
		return am, nil
	}

	ch := r.loads.DoChan("scope:"+scope, func() (any, error) {
		return r.resolve(scope)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.ActiveModel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve reads the active artifact from the store and installs it unless a
// newer activation or refresh happened meanwhile.
func (r *Registry) resolve(scope string) (*domain.ActiveModel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()

	gen := r.generation(scope)
	art, err := r.store.GetActive(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("registry: active artifact for %s: %w", scope, err)
	}
	m, err := r.load(ctx, art)
	if err != nil {
		return nil, err
	}
	art.LoadedAt = r.opts.Clock.Now().UTC()
	am := &domain.ActiveModel{Artifact: art, Model: m}

	if installed, ok := r.install(scope, am, gen); !ok {
		return installed, nil
	}
	r.logger.Info("model loaded",
		slog.String("scope", scope),
		slog.String("artifact_id", art.ID),
		slog.String("version", art.Version),
	)
	return am, nil
}

// Activate makes artifactID the active model of scope. The payload is loaded
// before anything changes, so a bad artifact never becomes active. Readers
// see either the previous or the new ActiveModel.
func (r *Registry) Activate(ctx context.Context, scope, artifactID string) (*domain.ActiveModel, error) {
	if err := cache.ValidateID("scope", scope); err != nil {
		return nil, fmt.Errorf("registry: activate: %w", err)
	}
	art, err := r.store.Get(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("registry: activate %s: %w", artifactID, err)
	}
	if art.Scope != scope {
		return nil, fmt.Errorf("registry: artifact %s belongs to scope %s, not %s: %w",
			artifactID, art.Scope, scope, domain.ErrInvalidInput)
	}
	m, err := r.load(ctx, art)
	if err != nil {
		return nil, err
	}

	r.activateMu.Lock()
	activated, err := r.store.Activate(ctx, scope, artifactID)
	if err != nil {
		r.activateMu.Unlock()
		return nil, fmt.Errorf("registry: activate %s: %w", artifactID, err)
	}
	activated.LoadedAt = r.opts.Clock.Now().UTC()
	am := &domain.ActiveModel{Artifact: activated, Model: m}
	r.swap(scope, am)
	r.activateMu.Unlock()

	r.logger.InfoContext(ctx, "model activated",
		slog.String("scope", scope),
		slog.String("artifact_id", artifactID),
		slog.String("version", activated.Version),
	)

	if r.opts.OnActivate != nil {
		if err := r.opts.OnActivate(ctx, scope); err != nil {
			r.logger.WarnContext(ctx, "activation hook failed",
				slog.String("scope", scope),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.audit != nil {
		if err := r.audit.Log(ctx, "model.activate", map[string]any{
			"scope":       scope,
			"artifact_id": artifactID,
			"version":     activated.Version,
		}); err != nil {
			r.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return am, nil
}

// Refresh drops the cached active model of scope so the next read goes back
// to the store. Used when another instance activated a model.
func (r *Registry) Refresh(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[scope]++
	cur := *r.current.Load()
	if _, ok := cur[scope]; !ok {
		return
	}
	next := make(snapshot, len(cur))
	for k, v := range cur {
		if k != scope {
			next[k] = v
		}
	}
	r.current.Store(&next)
}

// Warmup loads the active model of each scope concurrently.
func (r *Registry) Warmup(ctx context.Context, scopes []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var (
		mu   sync.Mutex
		errs []error
	)
	for _, scope := range scopes {
		g.Go(func() error {
			if _, err := r.GetActive(ctx, scope); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", scope, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Active returns the artifacts currently installed, keyed by scope.
func (r *Registry) Active() map[string]domain.ModelArtifact {
	cur := *r.current.Load()
	out := make(map[string]domain.ModelArtifact, len(cur))
	for scope, am := range cur {
		out[scope] = am.Artifact
	}
	return out
}

// load returns the decoded model of art from the working set or object
// storage. Concurrent loads of one artifact share a single download.
func (r *Registry) load(ctx context.Context, art domain.ModelArtifact) (domain.Model, error) {
	if m, ok := r.working.get(art.ID); ok {
		return m, nil
	}
	ch := r.loads.DoChan("artifact:"+art.ID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		m, err := r.fetch(lctx, art)
		if err != nil {
			r.opts.Metrics.RecordModelLoad(art.Scope, "error")
			return nil, err
		}
		r.opts.Metrics.RecordModelLoad(art.Scope, "ok")
		r.drop(r.working.add(art.ID, m))
		return m, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.SoftmaxLinear), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) fetch(ctx context.Context, art domain.ModelArtifact) (*model.SoftmaxLinear, error) {
	rc, err := r.blobs.Get(ctx, art.PayloadRef)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch payload %s: %w", art.PayloadRef, err)
	}
	defer rc.Close()

	m, err := model.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("registry: artifact %s: %w", art.ID, err)
	}
	if fv := m.FeatureVersion(); fv != "" && fv != art.FeatureVersion {
		return nil, fmt.Errorf("registry: artifact %s declares feature version %s but payload was trained on %s: %w",
			art.ID, art.FeatureVersion, fv, domain.ErrInvalidInput)
	}
	return m, nil
}

func (r *Registry) generation(scope string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[scope]
}

// install publishes am for scope if no activation or refresh happened since
// gen was read. Otherwise it returns the currently installed model, if any,
// and false.
func (r *Registry) install(scope string, am *domain.ActiveModel, gen uint64) (*domain.ActiveModel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generations[scope] != gen {
		if cur, ok := (*r.current.Load())[scope]; ok {
			return cur, false
		}
		// Refreshed with nothing installed: the value read is still the
		// best answer for this caller, just not worth publishing.
		return am, false
	}
	r.publish(scope, am)
	return am, true
}

func (r *Registry) swap(scope string, am *domain.ActiveModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[scope]++
	r.publish(scope, am)
}

// publish copies the snapshot with scope set to am. The model is admitted
// to the working set first, and scopes whose models that evicts leave the
// snapshot. Caller holds mu.
func (r *Registry) publish(scope string, am *domain.ActiveModel) {
	var evicted []string
	if m, ok := am.Model.(*model.SoftmaxLinear); ok {
		evicted = r.working.add(am.Artifact.ID, m)
	}
	cur := *r.current.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		if k != scope && r.evictedLocked(v, evicted) {
			continue
		}
		next[k] = v
	}
	next[scope] = am
	r.current.Store(&next)
}

// drop removes from the snapshot every scope whose model was evicted from
// the working set and not re-admitted since, so the memory is released and
// the next read reloads it.
func (r *Registry) drop(evicted []string) {
	if len(evicted) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.current.Load()
	next := make(snapshot, len(cur))
	for k, v := range cur {
		if r.evictedLocked(v, evicted) {
			continue
		}
		next[k] = v
	}
	if len(next) != len(cur) {
		r.current.Store(&next)
	}
}

// evictedLocked logs and reports whether am's artifact is among evicted and
// still outside the working set. Caller holds mu.
func (r *Registry) evictedLocked(am *domain.ActiveModel, evicted []string) bool {
	if !slices.Contains(evicted, am.Artifact.ID) || r.working.has(am.Artifact.ID) {
		return false
	}
	r.logger.Debug("active model evicted from working set",
		slog.String("scope", am.Artifact.Scope),
		slog.String("artifact_id", am.Artifact.ID),
	)
	return true
}

// Compile-time interface check.
var _ domain.ModelRegistry = (*Registry)(nil)
