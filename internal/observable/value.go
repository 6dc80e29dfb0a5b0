// Package observable provides a typed value cell that pushes its latest state to subscribers.
package observable

import "sync"

// Value holds the current state of T and notifies subscribers when it changes.
// Slow subscribers are never blocked on: each one buffers only the most recent
// value, so bursts collapse into the latest state while order is preserved.
type Value[T comparable] struct {
	mu          sync.Mutex
	value       T
	closed      bool
	subscribers map[*Subscription[T]]struct{}
}

// Subscription is a registration on a Value. C receives states until
// Unsubscribe is called or the Value is closed, after which C is closed.
type Subscription[T comparable] struct {
	C <-chan T

	ch     chan T
	parent *Value[T]
}

// NewValue creates a cell holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{
		value:       initial,
		subscribers: make(map[*Subscription[T]]struct{}),
	}
}

// Get returns the current state.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.value
}

// Set stores a new state and pushes it to every subscriber. Setting a state
// equal to the current one is a no-op.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || v.value == value {
		return
	}

	v.value = value

	for sub := range v.subscribers {
		sub.push(value)
	}
}

// Subscribe registers a new subscriber. The current state is delivered first.
func (v *Value[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, 1)
	sub := &Subscription[T]{C: ch, ch: ch, parent: v}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		close(ch)

		return sub
	}

	v.subscribers[sub] = struct{}{}

	sub.push(v.value)

	return sub
}

// Close closes every subscription. Later Set calls are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	v.closed = true

	for sub := range v.subscribers {
		close(sub.ch)
	}

	v.subscribers = nil
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	v := s.parent

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.subscribers[s]; !ok {
		return
	}

	delete(v.subscribers, s)
	close(s.ch)
}

// push replaces any undelivered state with value. Callers hold the parent lock,
// which makes the drain and send atomic with respect to other publishers.
func (s *Subscription[T]) push(value T) {
	select {
	case <-s.ch:
	default:
	}

	s.ch <- value
}
