// Package pool caches one connection-like handle per address. A handle is
// built lazily on the first request for its key and shared by every later
// caller until the process exits. Nothing is ever evicted.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Builder creates the handle for key. It is invoked at most once per key
// for any set of concurrent callers that miss the cache together.
type Builder[T any] func(ctx context.Context, key string) (T, error)

// Upper bound on a single build. Builds do not run under any caller's context.
const DefaultBuildTimeout = time.Second * 10

type Pool[T any] struct {
	builder      Builder[T]
	items        map[string]T
	inflight     singleflight.Group
	lock         sync.RWMutex
	onBuild      func(key string, err error)
	buildTimeout time.Duration
}

func New[T any](builder Builder[T]) *Pool[T] {
	return &Pool[T]{
		builder:      builder,
		items:        make(map[string]T),
		buildTimeout: DefaultBuildTimeout,
	}
}

func (pool *Pool[T]) SetBuildTimeout(timeout time.Duration) {
	pool.buildTimeout = timeout
}

// OnBuild registers a callback invoked after every build attempt.
func (pool *Pool[T]) OnBuild(cb func(key string, err error)) {
	pool.onBuild = cb
}

// Get returns the cached handle for key, building it if necessary. Concurrent
// misses on the same key wait for a single in-flight build and all receive its
// result. A failed build leaves no entry behind so the next Get retries it.
// A caller whose ctx ends stops waiting, but the build carries on for the
// others and is cached if it succeeds.
func (pool *Pool[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	if item, ok := pool.lookup(key); ok {
		return item, nil
	}

	flight := pool.inflight.DoChan(key, func() (interface{}, error) {
		// another build for this key may have completed between the lookup
		// above and joining the flight
		if item, ok := pool.lookup(key); ok {
			return item, nil
		}

		buildCtx, cancel := context.WithTimeout(context.Background(), pool.buildTimeout)
		defer cancel()

		item, err := pool.builder(buildCtx, key)

		if pool.onBuild != nil {
			pool.onBuild(key, err)
		}

		if err != nil {
			return nil, err
		}

		pool.lock.Lock()
		pool.items[key] = item
		pool.lock.Unlock()

		return item, nil
	})

	select {
	case result := <-flight:
		if result.Err != nil {
			return zero, result.Err
		}

		return result.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (pool *Pool[T]) lookup(key string) (T, bool) {
	pool.lock.RLock()
	defer pool.lock.RUnlock()

	item, ok := pool.items[key]

	return item, ok
}

func (pool *Pool[T]) Len() int {
	pool.lock.RLock()
	defer pool.lock.RUnlock()

	return len(pool.items)
}

func (pool *Pool[T]) Keys() []string {
	pool.lock.RLock()
	defer pool.lock.RUnlock()

	keys := make([]string, 0, len(pool.items))

	for key := range pool.items {
		keys = append(keys, key)
	}

	return keys
}
