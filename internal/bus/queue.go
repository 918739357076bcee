package bus

import (
	"strings"
	"sync"

	"livetrader/pkg/exception"

	"github.com/yanun0323/errors"
)

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy uint8

const (
	// OverflowDropOldest evicts the oldest item to make room.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowReject refuses the new item with ErrQueueFull.
	OverflowReject
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	default:
		return "drop-oldest"
	}
}

// ParseOverflowPolicy parses "drop-oldest" or "reject".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest":
		return OverflowDropOldest, nil
	case "reject":
		return OverflowReject, nil
	default:
		return 0, errors.Wrap(exception.ErrConfiguration, "unknown overflow policy").With("policy", s)
	}
}

// Queue is a bounded ring buffer for many producers and a single consumer.
// Neither side ever blocks on the other.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	size    int
	policy  OverflowPolicy
	closed  bool
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity), policy: policy}
}

// Push appends v. Under OverflowDropOldest it reports whether an older item was
// evicted; under OverflowReject a full queue returns ErrQueueFull.
func (q *Queue[T]) Push(v T) (evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, exception.ErrQueueClosed
	}
	if q.size == len(q.buf) {
		if q.policy == OverflowReject {
			return false, exception.ErrQueueFull
		}
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	return evicted, nil
}

// Drain removes and returns every buffered item in arrival order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]T, q.size)
	var zero T
	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = zero
	}
	q.head = 0
	q.size = 0
	return out
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Dropped returns how many items were evicted by OverflowDropOldest.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops the queue from accepting new items. Buffered items can still be
// drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
