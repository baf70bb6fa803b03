// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBacksOffAndCaps(t *testing.T) {
	p := NewExponential(Config{
		MaxRetries:        5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})
	cause := errors.New("boom")

	delay, retry := p.GetNextRetryInterval("c1", cause, time.Hour)
	require.True(t, retry)
	assert.Equal(t, 10*time.Millisecond, delay)
	p.IncrementRetryCount("c1")

	delay, retry = p.GetNextRetryInterval("c1", cause, time.Hour)
	require.True(t, retry)
	assert.Equal(t, 20*time.Millisecond, delay)
	p.IncrementRetryCount("c1")

	for i := 0; i < 10; i++ {
		p.IncrementRetryCount("c1")
	}
	_, retry = p.GetNextRetryInterval("c1", cause, time.Hour)
	assert.False(t, retry, "exhausted retry budget should stop retrying")
}

func TestExponentialNeverOutlivesHeadDeadline(t *testing.T) {
	p := NewExponential(Config{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	})
	_, retry := p.GetNextRetryInterval("c1", errors.New("boom"), 10*time.Millisecond)
	assert.False(t, retry, "backoff longer than the head pending deadline must not be scheduled")
}

func TestExponentialResetRestartsBackoff(t *testing.T) {
	p := NewExponential(DefaultConfig())
	p.IncrementRetryCount("c1")
	p.IncrementRetryCount("c1")
	p.ResetRetryCount("c1")

	delay, retry := p.GetNextRetryInterval("c1", errors.New("boom"), time.Hour)
	require.True(t, retry)
	assert.Equal(t, DefaultConfig().InitialBackoff, delay)
}

func TestExponentialTracksClientsIndependently(t *testing.T) {
	p := NewExponential(DefaultConfig())
	p.IncrementRetryCount("a")
	p.IncrementRetryCount("a")

	delayA, _ := p.GetNextRetryInterval("a", errors.New("x"), time.Hour)
	delayB, _ := p.GetNextRetryInterval("b", errors.New("x"), time.Hour)
	assert.Greater(t, delayA, delayB)
}
