// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"sync"
	"time"
)

// ReactorBridge submits work to the single reactor goroutine that owns
// all link state, and hands back a cancellable handle for every job it
// schedules. The reactor goroutine itself belongs to the external AMQP
// engine (spec.md §1 non-goals); ReactorBridge is the core-side glue
// that tracks outstanding dispatches so they can be cancelled one by one
// or in bulk (CancelAll), and that translates a rejected submission into a
// typed error the rest of the core can react to (spec.md §4.6, §7).
type ReactorBridge struct {
	factory MessagingFactory

	mu      sync.Mutex
	handles map[uint64]func()
	nextID  uint64
}

// NewReactorBridge wraps factory.
func NewReactorBridge(factory MessagingFactory) *ReactorBridge {
	return &ReactorBridge{
		factory: factory,
		handles: make(map[uint64]func()),
	}
}

// Dispatch enqueues job to run on the reactor goroutine as soon as
// possible. Returns ErrSchedulerRejected if the reactor has been shut
// down.
func (b *ReactorBridge) Dispatch(job func()) (*TimerHandle, error) {
	return b.dispatch(job, 0)
}

// DispatchAfter enqueues job to run on the reactor goroutine after
// delay elapses.
func (b *ReactorBridge) DispatchAfter(delay time.Duration, job func()) (*TimerHandle, error) {
	return b.dispatch(job, delay)
}

func (b *ReactorBridge) dispatch(job func(), delay time.Duration) (*TimerHandle, error) {
	// Register the id before submitting, so a job the reactor runs
	// straight away still finds its entry; the cancel func is filled in
	// once DispatchOnReactor returns.
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handles[id] = nil
	b.mu.Unlock()

	wrapped := func() {
		b.mu.Lock()
		_, still := b.handles[id]
		if still {
			delete(b.handles, id)
		}
		b.mu.Unlock()
		if still {
			job()
		}
	}

	cancel, err := b.factory.DispatchOnReactor(wrapped, delay)
	if err != nil {
		b.mu.Lock()
		delete(b.handles, id)
		b.mu.Unlock()
		return nil, ErrSchedulerRejected
	}

	b.mu.Lock()
	if _, still := b.handles[id]; still {
		b.handles[id] = cancel
	}
	b.mu.Unlock()

	handle := &TimerHandle{stop: func() {
		b.mu.Lock()
		c, ok := b.handles[id]
		if ok {
			delete(b.handles, id)
		}
		b.mu.Unlock()
		if ok && c != nil {
			c()
		}
	}}
	return handle, nil
}

// CancelAll cancels every job this bridge has outstanding.
func (b *ReactorBridge) CancelAll() {
	b.mu.Lock()
	handles := b.handles
	b.handles = make(map[uint64]func())
	b.mu.Unlock()
	for _, c := range handles {
		if c != nil {
			c()
		}
	}
}
