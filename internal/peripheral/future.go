package peripheral

import (
	"context"
	"sync/atomic"
)

// Future is the single-assignment result sink of one request.
// The first resolution wins; later ones are discarded.
type Future[T any] struct {
	done     chan struct{}
	resolved atomic.Bool
	value    T
	err      error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolvedFuture[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, err)
	return f
}

// resolve stores the outcome and wakes waiters. Reports false if the future was already resolved.
func (f *Future[T]) resolve(value T, err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.value = value
	f.err = err
	close(f.done)
	return true
}

// Done returns a channel that is closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
// Abandoning the wait does not cancel the request; it still completes in queue order.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the future is unresolved.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
