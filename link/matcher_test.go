// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPendingDrainsUpToMaxBatch(t *testing.T) {
	buf := NewPrefetchBuffer()
	for i := 0; i < 5; i++ {
		buf.Push(&Message{EnqueuedSequence: uint64(i)})
	}
	q := NewPendingQueue()
	req := q.Enqueue(NewTimeoutTracker(time.Second), 3)

	delivered := 0
	matchPending(buf, q, func(n int) { delivered += n })

	require.True(t, req.isCompleted())
	res := req.Result()
	require.Len(t, res.Batch, 3)
	assert.Equal(t, uint64(0), res.Batch[0].EnqueuedSequence)
	assert.Equal(t, uint64(2), res.Batch[2].EnqueuedSequence)
	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, 3, delivered)
}

func TestMatchPendingSkipsAlreadyCompletedRequests(t *testing.T) {
	buf := NewPrefetchBuffer()
	buf.Push(&Message{})

	q := NewPendingQueue()
	stale := q.Enqueue(NewTimeoutTracker(time.Second), 1)
	stale.complete(ReceiveResult{}) // e.g. timed out already
	fresh := q.Enqueue(NewTimeoutTracker(time.Second), 1)

	matchPending(buf, q, nil)

	require.True(t, fresh.isCompleted())
	assert.Len(t, fresh.Result().Batch, 1)
}

func TestMatchPendingLeavesUnmatchableRequestAtHead(t *testing.T) {
	buf := NewPrefetchBuffer()
	q := NewPendingQueue()
	req := q.Enqueue(NewTimeoutTracker(time.Second), 1)

	matchPending(buf, q, nil)

	assert.False(t, req.isCompleted())
	assert.Same(t, req, q.PeekFront())
}

func TestExpireDeadlinesPopsExpiredHeadRequests(t *testing.T) {
	q := NewPendingQueue()
	expired := q.Enqueue(NewTimeoutTracker(0), 1)
	stillAlive := q.Enqueue(NewTimeoutTracker(time.Hour), 1)

	remaining := expireDeadlines(q)

	require.True(t, expired.isCompleted())
	assert.Nil(t, expired.Result().Batch)
	assert.Nil(t, expired.Result().Err)

	require.NotNil(t, remaining)
	assert.Greater(t, remaining.Remaining(), 59*time.Minute)
	assert.Same(t, stillAlive, q.PeekFront())
}

func TestExpireDeadlinesOnEmptyQueueReturnsNil(t *testing.T) {
	q := NewPendingQueue()
	assert.Nil(t, expireDeadlines(q))
}
