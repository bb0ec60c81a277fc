package mailbox

import (
	"slices"
	"sync"
)

// TriedSet records providers that failed during a run so concurrent
// acquisitions try them last. Reads vastly outnumber writes.
type TriedSet struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewTriedSet returns an empty set.
func NewTriedSet() *TriedSet {
	return &TriedSet{names: make(map[string]struct{})}
}

func (t *TriedSet) Add(name string) {
	t.mu.Lock()
	t.names[name] = struct{}{}
	t.mu.Unlock()
}

func (t *TriedSet) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.names[name]
	return ok
}

// List returns the members sorted.
func (t *TriedSet) List() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.names))
	for n := range t.names {
		out = append(out, n)
	}
	t.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (t *TriedSet) Reset() {
	t.mu.Lock()
	t.names = make(map[string]struct{})
	t.mu.Unlock()
}
