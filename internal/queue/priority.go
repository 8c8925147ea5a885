// Package queue implements the bounded priority queue backing the dispatcher.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/quantmill/strand/internal/schema"
)

// PriorityQueue is a fixed-capacity queue ordered by (priority, sequence).
// Among equal priorities dequeue order equals enqueue order because the
// process-wide sequence breaks ties monotonically. One mutex guards the heap;
// two condition variables signal the not-full and not-empty transitions.
type PriorityQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    eventHeap
	capacity int
	closed   bool
}

// New constructs a queue with the given capacity. Capacity must be positive.
func New(capacity int) *PriorityQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := new(PriorityQueue)
	q.capacity = capacity
	q.items = make(eventHeap, 0, capacity)
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put inserts the event. When the queue is full: non-blocking calls return
// false immediately; blocking calls wait up to timeout (forever when
// timeout <= 0). Returns false after Close.
func (q *PriorityQueue) Put(evt *schema.Event, block bool, timeout time.Duration) bool {
	if evt == nil {
		return false
	}
	var deadline time.Time
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.capacity {
		if q.closed || !block {
			return false
		}
		if deadline.IsZero() {
			q.notFull.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitTimeout(q.notFull, remaining)
	}
	if q.closed {
		return false
	}

	heap.Push(&q.items, evt)
	q.notEmpty.Signal()
	return true
}

// Get removes and returns the highest-priority event. When the queue is
// empty: non-blocking calls return (nil, false); blocking calls wait up to
// timeout. A closed queue still drains remaining events.
func (q *PriorityQueue) Get(block bool, timeout time.Duration) (*schema.Event, bool) {
	var deadline time.Time
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed || !block {
			return nil, false
		}
		if deadline.IsZero() {
			q.notEmpty.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		waitTimeout(q.notEmpty, remaining)
	}

	evt := heap.Pop(&q.items).(*schema.Event)
	q.notFull.Signal()
	return evt, true
}

// Close wakes every waiter. Pending events remain drainable via Get; new
// puts are refused.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Len returns the current number of queued events.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *PriorityQueue) Cap() int {
	return q.capacity
}

// IsFull reports whether the queue is at capacity.
func (q *PriorityQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// waitTimeout waits on cond at most d. Go's sync.Cond has no timed wait, so
// a timer re-acquires the lock and broadcasts; waiters re-check their own
// deadline after every wakeup.
func waitTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}

type eventHeap []*schema.Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool { return h[i].Before(h[j]) }

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*schema.Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
