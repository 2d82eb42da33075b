package queue

import "sync/atomic"

type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
}

// MPSC is an unbounded multi-producer single-consumer queue.
// The zero value is not usable; call NewMPSC.
type MPSC[T any] struct {
	head atomic.Pointer[node[T]] // last pushed node, swapped by producers
	tail *node[T]                // consumer-owned sentinel
	size atomic.Int64
}

// NewMPSC creates an empty queue.
func NewMPSC[T any]() *MPSC[T] {
	stub := &node[T]{}
	q := &MPSC[T]{tail: stub}
	q.head.Store(stub)
	return q
}

// Push enqueues v. Safe for concurrent use.
func (q *MPSC[T]) Push(v T) {
	n := &node[T]{value: v}
	prev := q.head.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
}

// Pop dequeues the oldest element. Must only be called by the consumer.
func (q *MPSC[T]) Pop() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	v := next.value
	next.value = zero
	q.tail = next
	q.size.Add(-1)
	return v, true
}

// Drain pops up to max elements (all available if max <= 0) and passes each
// to fn. It returns the number of elements drained.
func (q *MPSC[T]) Drain(max int, fn func(T)) int {
	n := 0
	for max <= 0 || n < max {
		v, ok := q.Pop()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}

// Len returns the approximate number of queued elements.
func (q *MPSC[T]) Len() int {
	return int(q.size.Load())
}
