package table

import (
	"sync"
	"sync/atomic"
)

// Table is a generic thread-safe map with hit/miss accounting.
//
// Table must not be copied after creation (has mutex).
type Table[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{
		entries: make(map[K]V),
	}
}

// Get retrieves a value.
// Returns (value, true) if found, (zero, false) otherwise.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	v, ok := t.entries[key]
	t.mu.RUnlock()

	if ok {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, replacing any previous value for key.
func (t *Table[K, V]) Set(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = value
}

// Insert stores a value only if key is absent.
// Returns false if the key was already present.
func (t *Table[K, V]) Insert(key K, value V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; ok {
		return false
	}
	t.entries[key] = value
	return true
}

// GetOrCreate returns the stored value or creates it.
// create is called under lock, so it runs at most once per key.
// The second result reports whether create was called.
func (t *Table[K, V]) GetOrCreate(key K, create func() V) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.entries[key]; ok {
		t.hits.Add(1)
		return v, false
	}
	t.misses.Add(1)

	v := create()
	t.entries[key] = v
	return v, true
}

// GetOrCreateErr is GetOrCreate for constructors that can fail.
// Nothing is stored when create returns an error.
func (t *Table[K, V]) GetOrCreateErr(key K, create func() (V, error)) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.entries[key]; ok {
		t.hits.Add(1)
		return v, false, nil
	}
	t.misses.Add(1)

	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	t.entries[key] = v
	return v, true, nil
}

// Delete removes an entry.
// Returns true if the entry was found and removed.
func (t *Table[K, V]) Delete(key K) bool {
	_, ok := t.Take(key)
	return ok
}

// Take removes an entry and returns the removed value.
func (t *Table[K, V]) Take(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return v, ok
}

// Range calls fn for every entry until fn returns false.
// fn runs under the read lock and must not call back into the table.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for k, v := range t.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Drain removes every entry and returns the removed values.
func (t *Table[K, V]) Drain() []V {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]V, 0, len(t.entries))
	for _, v := range t.entries {
		out = append(out, v)
	}
	t.entries = make(map[K]V)
	return out
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// Stats returns table statistics.
func (t *Table[K, V]) Stats() Stats {
	hits := t.hits.Load()
	misses := t.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Len:     t.Len(),
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Stats contains table statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Hits is the number of lookups that found an entry.
	Hits uint64
	// Misses is the number of lookups that did not.
	Misses uint64
	// HitRate is Hits / (Hits + Misses), 0.0 to 1.0.
	HitRate float64
}
