// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueueFIFOOrder(t *testing.T) {
	q := NewPendingQueue()
	a := q.Enqueue(NewTimeoutTracker(time.Second), 1)
	b := q.Enqueue(NewTimeoutTracker(time.Second), 1)

	require.Equal(t, 2, q.Len())
	assert.Same(t, a, q.PopFront())
	assert.Same(t, b, q.PopFront())
	assert.Nil(t, q.PopFront())
}

func TestPendingReceiveCompletesExactlyOnce(t *testing.T) {
	p := newPendingReceive(NewTimeoutTracker(time.Second), 1)

	var wg sync.WaitGroup
	successes := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = p.complete(ReceiveResult{Batch: []*Message{{}}})
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one complete call should win the race")

	<-p.Done()
	assert.Len(t, p.Result().Batch, 1)
}

func TestPendingQueueDrainAllReturnsInOrder(t *testing.T) {
	q := NewPendingQueue()
	a := q.Enqueue(NewTimeoutTracker(time.Second), 1)
	b := q.Enqueue(NewTimeoutTracker(time.Second), 2)

	drained := q.DrainAll()
	require.Len(t, drained, 2)
	assert.Same(t, a, drained[0])
	assert.Same(t, b, drained[1])
	assert.True(t, q.Empty())
}

func TestTimeoutTrackerExpiry(t *testing.T) {
	short := NewTimeoutTracker(1 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, short.Expired())

	long := NewTimeoutTracker(time.Hour)
	assert.False(t, long.Expired())
	assert.Greater(t, long.Remaining(), 59*time.Minute)
}
