// Package queue implements the bounded hand-off buffer between the record
// producers and the writer.
//
// Push and Pop never wait for space or data: a full queue either rejects the
// new value or evicts the oldest one, depending on the OverflowPolicy, and an
// empty queue reports false. Every rejected or evicted value is counted.
// A single mutex makes each operation linearizable, so values pushed by one
// goroutine are popped in the order that goroutine pushed them.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of slots used when none is configured.
const DefaultCapacity = 128

// OverflowPolicy decides what happens to a push into a full queue.
type OverflowPolicy int

const (
	// RejectNew refuses the pushed value and leaves the queue untouched.
	RejectNew OverflowPolicy = iota
	// EvictOldest discards the oldest queued value to make room.
	EvictOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case RejectNew:
		return "reject-new"
	case EvictOldest:
		return "evict-oldest"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseOverflowPolicy parses the configuration name of a policy.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch name {
	case "", "reject-new":
		return RejectNew, nil
	case "evict-oldest":
		return EvictOldest, nil
	default:
		return RejectNew, fmt.Errorf("unknown overflow policy: %q", name)
	}
}

// Queue is a fixed-capacity FIFO safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	slots   []T
	head    int
	size    int
	policy  OverflowPolicy
	dropped atomic.Uint64
}

// New creates a queue with the given capacity. A capacity below one uses
// DefaultCapacity.
func New[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		slots:  make([]T, capacity),
		policy: policy,
	}
}

// Push enqueues v. It returns false when the queue is full and the policy is
// RejectNew; the value is then not retained. Under EvictOldest it always
// returns true.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.slots) {
		q.dropped.Add(1)
		if q.policy == RejectNew {
			return false
		}
		q.popLocked()
	}

	q.slots[(q.head+q.size)%len(q.slots)] = v
	q.size++

	return true
}

// Pop dequeues the oldest value. The second result is false when the queue
// is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}

	return q.popLocked(), true
}

// Must be called with q.mu held and q.size > 0.
func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.slots[q.head]
	q.slots[q.head] = zero
	q.head = (q.head + 1) % len(q.slots)
	q.size--
	return v
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.slots)
}

// Dropped returns how many values were rejected or evicted so far.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Policy returns the overflow policy.
func (q *Queue[T]) Policy() OverflowPolicy {
	return q.policy
}
