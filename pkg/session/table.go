package session

import (
	"maps"
	"sync"
)

// Table is a map guarded by its own reader/writer lock.
//
// Readers get copies; all mutation goes through Update, Set or Delete.
type Table[K comparable, V any] struct {
	mux sync.RWMutex
	m   map[K]V
}

// Get returns value by key.
func (t *Table[K, V]) Get(k K) (V, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()
	v, ok := t.m[k]
	return v, ok
}

// Has reports whether key is present.
func (t *Table[K, V]) Has(k K) bool {
	_, ok := t.Get(k)
	return ok
}

// Len returns count of entries.
func (t *Table[K, V]) Len() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.m)
}

// Snapshot returns a copy of the table.
func (t *Table[K, V]) Snapshot() map[K]V {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return maps.Clone(t.m)
}

// Keys returns keys of the table.
func (t *Table[K, V]) Keys() []K {
	t.mux.RLock()
	defer t.mux.RUnlock()
	keys := make([]K, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	return keys
}

// View calls f under read lock. f must not retain or modify m.
func (t *Table[K, V]) View(f func(m map[K]V)) {
	t.mux.RLock()
	defer t.mux.RUnlock()
	f(t.m)
}

// Update calls f under write lock.
//
// Nested Update calls on several tables must follow the lock order
// documented on Data.
func (t *Table[K, V]) Update(f func(m map[K]V)) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.m == nil {
		t.m = make(map[K]V)
	}
	f(t.m)
}

// Set stores value by key.
func (t *Table[K, V]) Set(k K, v V) {
	t.Update(func(m map[K]V) { m[k] = v })
}

// Delete removes key and returns previous value.
func (t *Table[K, V]) Delete(k K) (v V, ok bool) {
	t.Update(func(m map[K]V) {
		v, ok = m[k]
		delete(m, k)
	})
	return v, ok
}

// Take removes and returns all entries.
func (t *Table[K, V]) Take() map[K]V {
	t.mux.Lock()
	defer t.mux.Unlock()
	m := t.m
	t.m = nil
	return m
}
