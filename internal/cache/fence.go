package cache

import (
	"path"
	"sync"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// maxFenceEntries bounds the remembered invalidations regardless of age.
const maxFenceEntries = 4096

type invalidation struct {
	seq     uint64
	pattern string
	at      time.Time
}

// fence orders writes against invalidations. A writer notes the sequence
// before computing; its result may only be stored if no invalidation issued
// since then matches its key. Invalidations older than keep are forgotten,
// and writers that started before the forgotten horizon are always fenced.
type fence struct {
	mu     sync.Mutex
	seq    uint64
	floor  uint64
	recent []invalidation
	keep   time.Duration
	clock  domain.Clock
}

func newFence(keep time.Duration, clock domain.Clock) *fence {
	return &fence{keep: keep, clock: clock}
}

// mark returns the current sequence for a writer about to compute.
func (f *fence) mark() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// advance records an invalidation of pattern. It must run before the
// matching keys are deleted.
func (f *fence) advance(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	f.seq++
	f.recent = append(f.recent, invalidation{seq: f.seq, pattern: pattern, at: now})

	drop := 0
	for drop < len(f.recent) &&
		(len(f.recent)-drop > maxFenceEntries || now.Sub(f.recent[drop].at) > f.keep) {
		f.floor = f.recent[drop].seq
		drop++
	}
	if drop > 0 {
		f.recent = append(f.recent[:0], f.recent[drop:]...)
	}
}

// crossed reports whether an invalidation matching key was issued after
// since.
func (f *fence) crossed(key string, since uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if since < f.floor {
		return true
	}
	for i := len(f.recent) - 1; i >= 0 && f.recent[i].seq > since; i-- {
		ok, err := path.Match(f.recent[i].pattern, key)
		if ok || err != nil {
			return true
		}
	}
	return false
}
