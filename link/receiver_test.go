// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxlink/amqpreceiver/link"
	"github.com/fluxlink/amqpreceiver/link/linktest"
)

func newTestConfig(prefetch int, opTimeout time.Duration) link.ReceiverConfig {
	return link.ReceiverConfig{
		Host:             "example.servicebus.windows.net",
		EntityPath:       "hub1/consumergroups/$default/partitions/0",
		LinkName:         "link-1",
		Prefetch:         prefetch,
		OperationTimeout: opTimeout,
		SettingsProvider: &linktest.FakeSettingsProvider{},
		OpenTimeout:      opTimeout,
		CloseTimeout:     opTimeout,
	}
}

// createOpenReceiver builds a receiver whose attach is acked as soon as a
// link endpoint is created, so Create() returns a usable, Open receiver.
func createOpenReceiver(t *testing.T, prefetch int, opTimeout time.Duration) (*link.Receiver, *linktest.FakeReactor) {
	t.Helper()
	retry := linktest.NewFixedRetryPolicy(5, 10*time.Millisecond)
	reactor := linktest.NewFakeReactor("client-1", "example.servicebus.windows.net", opTimeout, retry,
		&linktest.FakeCBSChannel{}, linktest.NewFakeTokenProvider("tok"))

	var recv *link.Receiver
	var createErr error
	done := make(chan struct{})
	go func() {
		recv, createErr = link.Create(context.Background(), newTestConfig(prefetch, opTimeout), reactor)
		close(done)
	}()

	require.Eventually(t, func() bool { return reactor.LastLink() != nil }, time.Second, time.Millisecond)
	reactor.LastLink().SimulateAttachAck()

	<-done
	require.NoError(t, createErr)
	require.Equal(t, link.StateOpen, recv.State())
	return recv, reactor
}

// Scenario 1 (spec.md §8): a batch already sitting in the prefetch buffer
// when receive is called is handed back immediately, in arrival order,
// up to max_batch.
func TestReceiveHappyPathDrainsBufferedMessages(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, time.Second)

	link1 := reactor.LastLink()
	for i := 0; i < 3; i++ {
		link1.SimulateDeliver(&link.Message{EnqueuedSequence: uint64(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, err := recv.Receive(ctx, 5)

	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(0), batch[0].EnqueuedSequence)
	assert.Equal(t, uint64(2), batch[2].EnqueuedSequence)
}

// Scenario 4 (spec.md §8): a non-transient error drains every outstanding
// receive with that error, and the receiver is thereafter closed.
func TestNonTransientErrorDrainsAllPendingAndClosesReceiver(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, 5*time.Second)
	link1 := reactor.LastLink()

	type outcome struct {
		batch []*link.Message
		err   error
	}
	results := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		go func() {
			batch, err := recv.Receive(context.Background(), 1)
			results <- outcome{batch, err}
		}()
	}
	time.Sleep(20 * time.Millisecond) // let the three receives enqueue

	cause := link.NewTerminalError(assertErrSentinel)
	link1.SimulateDetach(cause)

	for i := 0; i < 3; i++ {
		o := <-results
		assert.Nil(t, o.batch)
		assert.ErrorIs(t, o.err, assertErrSentinel)
	}

	require.Eventually(t, func() bool { return recv.State() == link.StateClosed }, time.Second, time.Millisecond)

	_, err := recv.Receive(context.Background(), 1)
	assert.ErrorIs(t, err, link.ErrAlreadyClosed)
}

var assertErrSentinel = assertError("non-transient protocol failure")

type assertError string

func (e assertError) Error() string { return string(e) }

// Scenario 5 (spec.md §8): the peer never acks the attach; Create fails
// with a timeout once the open timer expires.
func TestOpenTimeoutFailsCreate(t *testing.T) {
	retry := linktest.NoRetryPolicy{}
	reactor := linktest.NewFakeReactor("client-2", "host", 30*time.Millisecond, retry,
		&linktest.FakeCBSChannel{}, linktest.NewFakeTokenProvider("tok"))

	_, err := link.Create(context.Background(), newTestConfig(10, 30*time.Millisecond), reactor)

	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrOpenTimeout)
}

// Scenario 3 (spec.md §8): a transient error triggers a retry; once the
// link recreates and re-opens, outstanding receives are served normally.
func TestTransientErrorRecoversOnRecreate(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, 2*time.Second)
	firstLink := reactor.LastLink()

	resultCh := make(chan struct {
		batch []*link.Message
		err   error
	}, 1)
	go func() {
		batch, err := recv.Receive(context.Background(), 1)
		resultCh <- struct {
			batch []*link.Message
			err   error
		}{batch, err}
	}()
	time.Sleep(10 * time.Millisecond)

	firstLink.SimulateDetach(link.NewTransientError(assertErrSentinel))
	require.Eventually(t, func() bool { return recv.State() == link.StateErrored || recv.State() == link.StateCreating }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return reactor.LastLink() != firstLink }, time.Second, time.Millisecond)
	secondLink := reactor.LastLink()
	secondLink.SimulateAttachAck()
	require.Eventually(t, func() bool { return recv.State() == link.StateOpen }, time.Second, time.Millisecond)

	secondLink.SimulateDeliver(&link.Message{EnqueuedSequence: 42})

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Len(t, res.batch, 1)
		assert.Equal(t, uint64(42), res.batch[0].EnqueuedSequence)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete after recreate")
	}
}

// Scenario 6 (spec.md §8): a graceful close drains outstanding receives
// with a nil batch (timeout-shaped completion, not an error), and the
// close future itself succeeds.
func TestGracefulCloseDrainsPendingWithNilBatch(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, 2*time.Second)
	link1 := reactor.LastLink()

	type outcome struct {
		batch []*link.Message
		err   error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			batch, err := recv.Receive(context.Background(), 1)
			results <- outcome{batch, err}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- recv.Close(context.Background()) }()

	require.Eventually(t, func() bool { return link1.LocalState() == link.EndpointClosed }, time.Second, time.Millisecond)
	link1.SimulateClose(nil)

	for i := 0; i < 2; i++ {
		o := <-results
		assert.Nil(t, o.batch)
		assert.NoError(t, o.err)
	}

	closeErr := <-closeDone
	assert.NoError(t, closeErr)
}

// Close is idempotent: a second call observes the same completed result.
func TestCloseIsIdempotent(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, time.Second)
	link1 := reactor.LastLink()

	closeDone := make(chan error, 1)
	go func() { closeDone <- recv.Close(context.Background()) }()
	require.Eventually(t, func() bool { return link1.LocalState() == link.EndpointClosed }, time.Second, time.Millisecond)
	link1.SimulateClose(nil)
	require.NoError(t, <-closeDone)

	err := recv.Close(context.Background())
	assert.NoError(t, err)
}

func TestReceiveBoundaryArgumentErrors(t *testing.T) {
	recv, _ := createOpenReceiver(t, 10, time.Second)

	_, err := recv.Receive(context.Background(), 0)
	assert.ErrorIs(t, err, link.ErrInvalidMaxBatch)

	_, err = recv.Receive(context.Background(), 11)
	assert.ErrorIs(t, err, link.ErrInvalidMaxBatch)
}

func TestSetPrefetchGetPrefetchRoundTrip(t *testing.T) {
	recv, _ := createOpenReceiver(t, 10, time.Second)

	require.NoError(t, recv.SetPrefetch(25))
	assert.Equal(t, 25, recv.GetPrefetch())
}

func TestSetReceiveTimeoutRejectsNonPositive(t *testing.T) {
	recv, _ := createOpenReceiver(t, 10, time.Second)

	assert.ErrorIs(t, recv.SetReceiveTimeout(0), link.ErrInvalidTimeout)
	assert.ErrorIs(t, recv.SetReceiveTimeout(-time.Second), link.ErrInvalidTimeout)
	require.NoError(t, recv.SetReceiveTimeout(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, recv.GetReceiveTimeout())
}

func TestConsecutiveReceivesTimeOutWithNilBatch(t *testing.T) {
	recv, _ := createOpenReceiver(t, 10, time.Second)
	require.NoError(t, recv.SetReceiveTimeout(30*time.Millisecond))

	for i := 0; i < 2; i++ {
		batch, err := recv.Receive(context.Background(), 1)
		assert.NoError(t, err)
		assert.Nil(t, batch)
	}
}

func TestErrorContextReflectsLinkState(t *testing.T) {
	recv, reactor := createOpenReceiver(t, 10, time.Second)
	reactor.LastLink().SetRemoteProperty(link.TrackingIDPropertyKey, "abc-123")
	require.NoError(t, recv.SetPrefetch(20))

	// The snapshot holds the generated fallback id from open onwards, so
	// wait for the reactor job SetPrefetch dispatched to pick up the
	// peer's property.
	require.Eventually(t, func() bool { return recv.ErrorContext().TrackingID == "abc-123" }, time.Second, time.Millisecond)
	ec := recv.ErrorContext()
	assert.Equal(t, "example.servicebus.windows.net", ec.Host)
	assert.Equal(t, "link-1", ec.LinkName)
	assert.Equal(t, 20, ec.Prefetch)
	assert.Equal(t, "abc-123", ec.TrackingID)
}

// When the peer never attaches a tracking-id property, ErrorContext
// still reports a non-empty, stable fallback id rather than "".
func TestErrorContextFallsBackToGeneratedTrackingID(t *testing.T) {
	recv, _ := createOpenReceiver(t, 10, time.Second)
	require.NoError(t, recv.SetPrefetch(15))

	require.Eventually(t, func() bool { return recv.ErrorContext().TrackingID != "" }, time.Second, time.Millisecond)
	first := recv.ErrorContext().TrackingID

	require.NoError(t, recv.SetPrefetch(16))
	require.Eventually(t, func() bool { return recv.ErrorContext().Prefetch == 16 }, time.Second, time.Millisecond)
	assert.Equal(t, first, recv.ErrorContext().TrackingID, "fallback tracking id must stay stable across snapshots")
}
