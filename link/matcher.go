// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

// matchPending drains prefetch into pending requests, reactor-thread
// only, implementing the algorithm from spec.md §4.2 verbatim:
//
//	while prefetch_buffer not empty and pending_queue not empty:
//	    req := pending_queue.pop_front()
//	    if req.future already completed: continue
//	    batch := drain prefetch_buffer up to req.max_batch messages
//	    complete req.future with batch  (batch is non-empty by construction)
//
// Each completed request's messages leaving the buffer are reported to
// onDelivered so the credit controller can top up.
func matchPending(buf *PrefetchBuffer, q *PendingQueue, onDelivered func(n int)) {
	for !buf.Empty() && !q.Empty() {
		req := q.PopFront()
		if req.isCompleted() {
			continue
		}
		batch := buf.Drain(req.MaxBatch())
		if len(batch) == 0 {
			// Buffer was emptied by a concurrent peek in a single-
			// threaded reactor this cannot happen, but stay defensive:
			// put the request back at the head and stop.
			requeueFront(q, req)
			return
		}
		req.complete(ReceiveResult{Batch: batch})
		if onDelivered != nil {
			onDelivered(len(batch))
		}
	}
}

// requeueFront pushes req back to the front of q, restoring FIFO order
// when a match attempt must be aborted.
func requeueFront(q *PendingQueue, req *PendingReceive) {
	q.mu.Lock()
	q.items.PushFront(req)
	q.mu.Unlock()
}

// expireDeadlines walks the queue head-first and completes with a nil
// (timeout, not error) result every request whose remaining deadline
// has decayed to the MinTimeoutDurationMillis slop, stopping at the
// first request that still has time left and returning its deadline
// tracker so the caller can reschedule the single operation timer for
// exactly the time that remains (spec.md §4.2). Returns nil once the
// queue is empty.
func expireDeadlines(q *PendingQueue) (rescheduleAfter *TimeoutTracker) {
	for {
		req := q.PeekFront()
		if req == nil {
			return nil
		}
		if !req.Deadline().Expired() {
			d := req.Deadline()
			return &d
		}
		popped := q.PopFront()
		if popped != req {
			// Raced with a concurrent pop; nothing more to do here
			// since PendingQueue mutations are reactor-thread only in
			// practice, but stay defensive against reentrancy.
			if popped != nil {
				popped.complete(ReceiveResult{})
			}
			continue
		}
		popped.complete(ReceiveResult{})
	}
}
