// Package cache provides short-lived caching with in-flight request
// deduplication. A fresh entry is served without fetching; concurrent
// callers for a stale entry share one underlying fetch. Failures are never
// cached, so the caller after a failed flight retries.
package cache

import (
	"context"
	"sync"
	"time"
)

// FetchFunc produces a fresh value for the cache.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Value caches a single resource with a TTL and deduplicates concurrent
// fetches: at most one FetchFunc invocation is outstanding at any time.
type Value[T any] struct {
	fetch FetchFunc[T]
	ttl   time.Duration

	mu        sync.Mutex
	val       T
	expiresAt time.Time
	inflight  *flight[T]

	now func() time.Time
}

// NewValue constructs a single-entry cache around fetch with the given TTL.
func NewValue[T any](ttl time.Duration, fetch FetchFunc[T]) *Value[T] {
	return &Value[T]{fetch: fetch, ttl: ttl, now: time.Now}
}

// Get returns the cached value when fresh, joins an outstanding fetch when
// one exists, and otherwise performs the fetch itself.
func (c *Value[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.now().Before(c.expiresAt) {
		val := c.val
		c.mu.Unlock()
		return val, nil
	}
	if fl := c.inflight; fl != nil {
		c.mu.Unlock()
		return waitFlight(ctx, fl)
	}
	fl := &flight[T]{done: make(chan struct{})}
	c.inflight = fl
	c.mu.Unlock()

	val, err := c.fetch(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.val = val
		c.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Unlock()

	fl.val, fl.err = val, err
	close(fl.done)
	return val, err
}

// Invalidate drops the cached value. An outstanding fetch is unaffected.
func (c *Value[T]) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func waitFlight[T any](ctx context.Context, fl *flight[T]) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-fl.done:
		return fl.val, fl.err
	}
}

// KeyedFetchFunc produces a fresh value for one cache key.
type KeyedFetchFunc[T any] func(ctx context.Context, key string) (T, error)

type mapEntry[T any] struct {
	val       T
	expiresAt time.Time
}

// Map caches many resources keyed by string, with the same per-key TTL and
// in-flight deduplication contract as Value.
type Map[T any] struct {
	fetch KeyedFetchFunc[T]
	ttl   time.Duration

	mu       sync.Mutex
	entries  map[string]mapEntry[T]
	inflight map[string]*flight[T]

	now func() time.Time
}

// NewMap constructs a keyed cache around fetch with the given per-entry TTL.
func NewMap[T any](ttl time.Duration, fetch KeyedFetchFunc[T]) *Map[T] {
	return &Map[T]{
		fetch:    fetch,
		ttl:      ttl,
		entries:  make(map[string]mapEntry[T]),
		inflight: make(map[string]*flight[T]),
		now:      time.Now,
	}
}

// Get returns the cached value for key when fresh, joining or starting a
// fetch otherwise.
func (c *Map[T]) Get(ctx context.Context, key string) (T, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.val, nil
	}
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return waitFlight(ctx, fl)
	}
	fl := &flight[T]{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	val, err := c.fetch(ctx, key)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil {
		c.entries[key] = mapEntry[T]{val: val, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()

	fl.val, fl.err = val, err
	close(fl.done)
	return val, err
}

// Peek reports the cached value for key without triggering a fetch.
func (c *Map[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.val, true
}

// Put stores a value directly, bypassing the fetch path. Used when one bulk
// response populates many keys.
func (c *Map[T]) Put(key string, val T) {
	c.mu.Lock()
	c.entries[key] = mapEntry[T]{val: val, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a single key.
func (c *Map[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every cached entry. Outstanding fetches are unaffected.
func (c *Map[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]mapEntry[T])
	c.mu.Unlock()
}
