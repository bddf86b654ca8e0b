package sync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Map is a map guarded by a RWMutex. Callbacks are never invoked under the lock.
type Map[K comparable, V any] struct {
	mutex sync.RWMutex
	data  map[K]V
}

// NewMap creates map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.data[key] = value
}

// Load returns the value stored for key. The ok result indicates whether value was found in the map.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok = m.data[key]
	return value, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value. The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if v, ok := m.data[key]; ok {
		return v, true
	}
	m.data[key] = value
	return value, false
}

// Update replaces the value of key with the result of f. When f reports doDelete the key is removed.
// The old value is returned. f runs under the write lock and must not touch the map.
func (m *Map[K, V]) Update(key K, f func(oldValue V, oldLoaded bool) (newValue V, doDelete bool)) (oldValue V, oldLoaded bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	oldValue, oldLoaded = m.data[key]
	newValue, del := f(oldValue, oldLoaded)
	if del {
		delete(m.data, key)
		return oldValue, oldLoaded
	}
	m.data[key] = newValue
	return oldValue, oldLoaded
}

// LoadAndDelete removes the value for a key and returns it. Only one of concurrent callers gets ok == true.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	value, ok = m.data[key]
	delete(m.data, key)
	return value, ok
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) (deleted bool) {
	_, deleted = m.LoadAndDelete(key)
	return deleted
}

// Range calls f sequentially for each key and value present in the map. If f returns false, range stops the iteration.
// The map is copied under a read lock and the copy is iterated unlocked, so f may modify the map.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.mutex.RLock()
	snapshot := maps.Clone(m.data)
	m.mutex.RUnlock()
	for key, value := range snapshot {
		if !f(key, value) {
			return
		}
	}
}

// Drain removes all values and returns them.
func (m *Map[K, V]) Drain() map[K]V {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data := m.data
	m.data = make(map[K]V)
	return data
}

// Length returns number of stored values.
func (m *Map[K, V]) Length() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.data)
}
