// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchBufferDrainPreservesOrder(t *testing.T) {
	buf := NewPrefetchBuffer()
	for i := 0; i < 5; i++ {
		buf.Push(&Message{EnqueuedSequence: uint64(i)})
	}
	require.Equal(t, 5, buf.Len())

	batch := buf.Drain(3)
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, uint64(i), m.EnqueuedSequence)
	}
	assert.Equal(t, 2, buf.Len())
}

func TestPrefetchBufferDrainMoreThanAvailable(t *testing.T) {
	buf := NewPrefetchBuffer()
	buf.Push(&Message{})
	batch := buf.Drain(10)
	require.Len(t, batch, 1)
	assert.True(t, buf.Empty())
}

func TestPrefetchBufferDrainEmptyReturnsNil(t *testing.T) {
	buf := NewPrefetchBuffer()
	assert.Nil(t, buf.Drain(5))
	assert.Nil(t, buf.Drain(0))
}

func TestPrefetchBufferClearDiscardsEverything(t *testing.T) {
	buf := NewPrefetchBuffer()
	buf.Push(&Message{})
	buf.Push(&Message{})
	buf.Clear()
	assert.True(t, buf.Empty())
	assert.Equal(t, 0, buf.Len())
}
