package cache

import (
	"time"

	"github.com/plgd-dev/go-coap-gateway/pkg/sync"
)

type Element[T any] struct {
	validUntil time.Time
	data       T
	onExpire   func(d T)
}

// NewElement creates element that can be stored in the cache. A zero validUntil never expires.
func NewElement[T any](data T, validUntil time.Time, onExpire func(d T)) *Element[T] {
	return &Element[T]{data: data, validUntil: validUntil, onExpire: onExpire}
}

func (e *Element[T]) IsExpired(now time.Time) bool {
	if e.validUntil.IsZero() {
		return false
	}
	return now.After(e.validUntil)
}

func (e *Element[T]) Data() T {
	return e.data
}

// Cache holds elements until they expire. Expired elements are removed by CheckExpirations.
type Cache[K comparable, V any] struct {
	data *sync.Map[K, *Element[V]]
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		data: sync.NewMap[K, *Element[V]](),
	}
}

// LoadOrStore returns the unexpired element stored for key with loaded set to true.
// Otherwise e replaces whatever was stored and (e, false) is returned.
func (c *Cache[K, V]) LoadOrStore(key K, e *Element[V]) (actual *Element[V], loaded bool) {
	now := time.Now()
	c.data.Update(key, func(oldValue *Element[V], oldLoaded bool) (*Element[V], bool) {
		if oldLoaded && !oldValue.IsExpired(now) {
			actual = oldValue
			return oldValue, false
		}
		actual = e
		return e, false
	})
	return actual, actual != e
}

// Load returns the unexpired element for key or nil.
func (c *Cache[K, V]) Load(key K) *Element[V] {
	e, ok := c.data.Load(key)
	if !ok || e.IsExpired(time.Now()) {
		return nil
	}
	return e
}

func (c *Cache[K, V]) Delete(key K) (deleted bool) {
	return c.data.Delete(key)
}

func (c *Cache[K, V]) Length() int {
	return c.data.Length()
}

// CheckExpirations deletes elements expired at now and invokes their onExpire callbacks.
func (c *Cache[K, V]) CheckExpirations(now time.Time) {
	c.data.Range(func(key K, e *Element[V]) bool {
		if !e.IsExpired(now) {
			return true
		}
		c.data.Update(key, func(current *Element[V], loaded bool) (*Element[V], bool) {
			// the key may have been refreshed meanwhile
			return current, loaded && current == e
		})
		if e.onExpire != nil {
			e.onExpire(e.data)
		}
		return true
	})
}
