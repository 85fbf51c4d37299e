package lnutils

import "sync"

// SyncMap is a sync.Map holding values of a single type keyed by a single
// type. It backs lookups that are written once and read concurrently, such
// as the broadcasts waiting for a reject.
type SyncMap[K comparable, V any] struct {
	sync.Map
}

// Store puts an item in the map.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// Load returns the item stored for key. The zero value and false are returned
// if there is none.
func (m *SyncMap[K, V]) Load(key K) (V, bool) {
	result, ok := m.Map.Load(key)
	if !ok {
		return *new(V), false // nolint: gocritic
	}

	item, ok := result.(V)
	return item, ok
}

// LoadOrStore returns the item stored for key, or stores value if there is
// none. The boolean is true if an existing item was returned.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	result, loaded := m.Map.LoadOrStore(key, value)
	item, ok := result.(V)
	if !ok {
		return *new(V), false
	}

	return item, loaded
}

// Delete removes the item stored for key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// Len returns the number of stored items.
func (m *SyncMap[K, V]) Len() int {
	var count int
	m.Map.Range(func(_, _ any) bool {
		count++
		return true
	})

	return count
}
