// Package sched provides the scheduler queues the window stages and
// timed negation build on: an arrival-ordered FIFO queue with blocking
// take, and a deadline-ordered variant whose take blocks until the
// earliest entry has expired.
package sched

import (
	"context"
	"sync"
)

// Queue is a thread-safe FIFO queue.
//
// The queue is unbounded: a window buffers up to its capacity before
// draining, and ingress must never block behind eviction.
//
// Concurrent producers may Put while one consumer Takes. Ordering is by
// arrival, so no element is returned before its logical predecessor.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // availability signal, buffered size 1 to coalesce
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Put enqueues at the back. Safe from any goroutine.
// Returns false once the queue is closed.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake dequeues the front element without blocking.
func (q *Queue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	// Nil out the slot so the backing array does not retain the element.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Take blocks until an element is available, the queue is closed and
// drained, or ctx is cancelled. The ok result is false only in the
// latter two cases.
func (q *Queue[T]) Take(ctx context.Context) (T, bool) {
	var zero T
	for {
		if v, ok := q.TryTake(); ok {
			return v, true
		}

		q.mu.Lock()
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return zero, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.signal:
		}
	}
}

// Remove deletes the first element matching the predicate, preserving
// the order of the rest. Returns false when nothing matched.
func (q *Queue[T]) Remove(match func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, v := range q.items {
		if match(v) {
			var zero T
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = zero
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes blocked takers. Further Puts
// are rejected; remaining elements stay takeable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
