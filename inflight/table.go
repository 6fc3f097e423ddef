package inflight

import "sync"

// Table maps keys to values whose write has not completed yet. Each Add
// returns a release func; the entry disappears once every holder of that
// key has released it.
type Table[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*tableEntry[V]
}

type tableEntry[V any] struct {
	value V
	refs  int
}

// NewTable creates an empty table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{entries: make(map[K]*tableEntry[V])}
}

// Add publishes value for key. A later Add for the same key replaces the
// visible value.
func (t *Table[K, V]) Add(key K, value V) (release func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &tableEntry[V]{}
		t.entries[key] = e
	}
	e.value = value
	e.refs++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if e.refs--; e.refs == 0 && t.entries[key] == e {
				delete(t.entries, key)
			}
		})
	}
}

// Get returns the in-flight value for key.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Len returns the number of keys in flight.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
