// queue.go implements per-host FIFO serialization of blocking operations.
//
// Metric probes against one host never run concurrently: Enqueue appends a
// thunk to the host's queue and a single drainer goroutine runs them in
// order. When a queue drains, the processing flag is released; the next
// enqueue restarts draining. No cross-host fairness is attempted.

package sshpool

import (
	"sync"
)

// Result carries a thunk's outcome to the caller.
type Result struct {
	Value interface{}
	Err   error
}

type queuedOp struct {
	thunk func() (interface{}, error)
	done  chan Result
}

// RequestQueue serializes operations per host ID.
type RequestQueue struct {
	mu       sync.Mutex
	queues   map[uint][]queuedOp
	draining map[uint]bool
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		queues:   make(map[uint][]queuedOp),
		draining: make(map[uint]bool),
	}
}

// Enqueue schedules a thunk after all previously-enqueued thunks for the
// host have settled. The returned channel receives exactly one Result.
func (q *RequestQueue) Enqueue(hostID uint, thunk func() (interface{}, error)) <-chan Result {
	done := make(chan Result, 1)

	q.mu.Lock()
	q.queues[hostID] = append(q.queues[hostID], queuedOp{thunk: thunk, done: done})
	if !q.draining[hostID] {
		q.draining[hostID] = true
		go q.drain(hostID)
	}
	q.mu.Unlock()

	return done
}

func (q *RequestQueue) drain(hostID uint) {
	for {
		q.mu.Lock()
		ops := q.queues[hostID]
		if len(ops) == 0 {
			q.draining[hostID] = false
			delete(q.queues, hostID)
			q.mu.Unlock()
			return
		}
		op := ops[0]
		q.queues[hostID] = ops[1:]
		q.mu.Unlock()

		value, err := op.thunk()
		op.done <- Result{Value: value, Err: err}
	}
}

// Pending returns the queue depth for a host, for observability.
func (q *RequestQueue) Pending(hostID uint) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[hostID])
}
