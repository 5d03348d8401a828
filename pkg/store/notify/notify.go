// Package notify provides ordered callback delivery for store
// subscriptions: items are queued under the subscription's lock and
// drained by a single flusher at a time with the lock released around
// each callback, so callbacks may call back into the store but always
// observe items in publish order.
package notify

import "sync"

// Sub serializes callback delivery for one subscription.
type Sub[T any] struct {
	fn func(T)

	mu        sync.Mutex
	queue     []T
	draining  bool
	cancelled bool
}

func NewSub[T any](fn func(T)) *Sub[T] {
	return &Sub[T]{fn: fn}
}

// Enqueue adds an item to the delivery queue. Publishers enqueue while
// holding their own lock so queue order matches publish order.
func (s *Sub[T]) Enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
}

// Flush drains the queue, invoking the callback for each item in order.
// Only one flush drains at a time; a concurrent or re-entrant flush
// returns immediately and the in-flight one delivers anything enqueued
// in the meantime.
func (s *Sub[T]) Flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		v := s.queue[0]
		s.queue = s.queue[1:]
		cancelled := s.cancelled
		s.mu.Unlock()
		if !cancelled {
			s.fn(v)
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// Cancel suppresses all further deliveries, including already-queued ones.
func (s *Sub[T]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}
