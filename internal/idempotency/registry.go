// Package idempotency collapses concurrent calls that share a key into a
// single execution.
package idempotency

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry runs at most one unit of work per key at a time. Callers that
// arrive while a key is in flight share its outcome. Once the work settles
// the key is forgotten, so this is call collapsing, not memoization.
type Registry[T any] struct {
	mu    sync.Mutex
	group *singleflight.Group
}

// New returns an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{group: new(singleflight.Group)}
}

// Do runs work under key, or joins the execution already in flight for it.
// ctx bounds only this caller's wait; the shared work keeps running for the
// other callers. A panic inside work is reported as an error to every caller.
func (r *Registry[T]) Do(ctx context.Context, key string, work func() (T, error)) (T, error) {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()

	ch := g.DoChan(key, func() (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("idempotent work %q panicked: %v", key, p)
			}
		}()
		return work()
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// Clear drops all in-flight bookkeeping. Callers already waiting still get
// their results; later callers start fresh work even for a key that is
// still running.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.group = new(singleflight.Group)
	r.mu.Unlock()
}
