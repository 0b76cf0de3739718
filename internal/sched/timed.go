package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type timedItem[T any] struct {
	value    T
	deadline time.Time
	index    int
	seq      uint64 // arrival tiebreak for identical deadlines
}

type deadlineHeap[T any] []*timedItem[T]

func (h deadlineHeap[T]) Len() int { return len(h) }

func (h deadlineHeap[T]) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap[T]) Push(x any) {
	item := x.(*timedItem[T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *deadlineHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimedQueue associates each element with an expiry instant and hands
// elements out only once their deadline has passed, earliest first.
// Time windows and time-bounded negation block on TakeExpired.
type TimedQueue[T any] struct {
	mu      sync.Mutex
	heap    deadlineHeap[T]
	nextSeq uint64
	closed  bool
	wake    chan struct{} // new earliest deadline or close
}

// NewTimedQueue creates an empty timed queue.
func NewTimedQueue[T any]() *TimedQueue[T] {
	return &TimedQueue[T]{wake: make(chan struct{}, 1)}
}

// Put schedules v to expire at deadline. Safe from any goroutine.
// Returns false once the queue is closed.
func (q *TimedQueue[T]) Put(v T, deadline time.Time) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	item := &timedItem[T]{value: v, deadline: deadline, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	if item.index == 0 {
		// New earliest deadline - a blocked taker must re-arm its timer.
		// Sent under the lock so Close cannot slip in between.
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	return true
}

// TakeExpired blocks until the earliest-deadline element has expired,
// then removes and returns it. The ok result is false when the queue is
// closed or ctx is cancelled while waiting.
func (q *TimedQueue[T]) TakeExpired(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, false
		}
		if len(q.heap) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return zero, false
			case <-q.wake:
				continue
			}
		}

		now := time.Now()
		earliest := q.heap[0]
		if !earliest.deadline.After(now) {
			heap.Pop(&q.heap)
			q.mu.Unlock()
			return earliest.value, true
		}
		wait := earliest.deadline.Sub(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, false
		case <-q.wake:
			timer.Stop()
			// An earlier deadline arrived, or the queue closed - re-evaluate.
		case <-timer.C:
		}
	}
}

// Remove unschedules the first element matching the predicate.
// Returns false when nothing matched.
func (q *TimedQueue[T]) Remove(match func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.heap {
		if match(item.value) {
			heap.Remove(&q.heap, item.index)
			return true
		}
	}
	return false
}

// Len returns the number of scheduled elements.
func (q *TimedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Drain removes and returns all scheduled elements regardless of
// deadline, earliest first. Used by query teardown.
func (q *TimedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.heap))
	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*timedItem[T])
		out = append(out, item.value)
	}
	return out
}

// Close marks the queue closed and wakes any blocked taker.
func (q *TimedQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.wake)
}
