package registry

import (
	"container/list"
	"sync"

	"github.com/senzu-ai/senzu/internal/model"
)

type lruItem struct {
	key   string
	model *model.SoftmaxLinear
}

// workingSet is a recency-ordered set of loaded models keyed by artifact ID.
// It is the only owner of decoded models: the registry drops any active
// model the set evicts.
type workingSet struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[string]*list.Element
}

func newWorkingSet(capacity int) *workingSet {
	if capacity < 1 {
		capacity = 1
	}
	return &workingSet{cap: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (w *workingSet) get(id string) (*model.SoftmaxLinear, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	el, ok := w.items[id]
	if !ok {
		return nil, false
	}
	w.ll.MoveToFront(el)
	return el.Value.(*lruItem).model, true
}

// add inserts or refreshes id and returns the IDs evicted to stay in bounds.
func (w *workingSet) add(id string, m *model.SoftmaxLinear) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[id]; ok {
		el.Value.(*lruItem).model = m
		w.ll.MoveToFront(el)
		return nil
	}
	w.items[id] = w.ll.PushFront(&lruItem{key: id, model: m})

	var evicted []string
	for w.ll.Len() > w.cap {
		last := w.ll.Back()
		it := last.Value.(*lruItem)
		w.ll.Remove(last)
		delete(w.items, it.key)
		evicted = append(evicted, it.key)
	}
	return evicted
}

// has reports membership without touching recency.
func (w *workingSet) has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.items[id]
	return ok
}

func (w *workingSet) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ll.Len()
}
