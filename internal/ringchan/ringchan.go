// Package ringchan provides a bounded, overwrite-oldest channel used to hand
// notifications and scan events from transport goroutines to consumers that
// may fall behind.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is
// discarded to make room. Consumers read from C() like any channel, or use
// Receive/TryReceive to have reads counted in the metrics.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	// mu serializes producers against Close; the drop-then-send pair in
	// Send runs under it too, so two producers cannot race for one slot.
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. It is closed by Close.
//
// Reads through C() bypass the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Returns true if an element was dropped. Sending on a closed RingChannel
// is a no-op that reports false.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.Errors.Add(1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return dropped
		default:
		}

		// full: a consumer may drain concurrently, so only drop when there is
		// still something to drop and retry the send
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room. Returns false if the buffer is
// full or the channel is closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.Errors.Add(1)
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.Written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.Processed.Add(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.Processed.Add(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Buffered values remain readable.
// Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Closed reports whether Close has been called.
func (rc *RingChannel[T]) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Snapshot returns the current metric values.
func (rc *RingChannel[T]) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Processed:   rc.metrics.Processed.Load(),
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
		Errors:      rc.metrics.Errors.Load(),
	}
}

// Metrics counts RingChannel traffic without locking.
type Metrics struct {
	Processed   atomic.Int64
	Written     atomic.Int64
	Overwritten atomic.Int64
	Errors      atomic.Int64 // sends after Close
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64
}
