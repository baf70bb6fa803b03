// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// CreditController computes and batches AMQP credit top-ups
// (spec.md §4.3). All mutating methods are reactor-thread only; the
// one exception, SetPrefetchTarget, is dispatched onto the reactor by
// the caller rather than invoked directly from outside it (spec.md §9:
// "next_credit_to_flow is accessed outside the reactor thread only via
// set_prefetch ... the delta is applied inside a reactor-dispatched job").
type CreditController struct {
	prefetchTarget int
	nextToFlow     int32 // atomic, reactor-thread-writes-only but readable through PendingFlow

	limiter *rate.Limiter // paces flow-frame emission; nil means unpaced
}

// NewCreditController constructs a controller for the given initial
// prefetch target. minFlowInterval of zero disables pacing.
func NewCreditController(prefetchTarget int, minFlowInterval float64) *CreditController {
	c := &CreditController{prefetchTarget: prefetchTarget}
	if minFlowInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(1/minFlowInterval), 1)
	}
	return c
}

// flushThreshold is min(prefetchTarget, 100) per spec.md §4.3/§6.
func (c *CreditController) flushThreshold() int {
	if c.prefetchTarget < 100 {
		return c.prefetchTarget
	}
	return 100
}

// OnMessagePolled records that n messages left the prefetch buffer via
// a successful poll, returning the credit to flow if the accumulator
// has reached the flush threshold (0 otherwise).
func (c *CreditController) OnMessagePolled(n int) (flow uint32, shouldFlush bool) {
	next := atomic.AddInt32(&c.nextToFlow, int32(n))
	return c.maybeFlush(next)
}

// OnOpenComplete resets the accumulator and returns the initial credit
// top-up needed to bring outstanding credit up to the prefetch target,
// net of whatever is already buffered.
func (c *CreditController) OnOpenComplete(prefetchBuffered int) uint32 {
	atomic.StoreInt32(&c.nextToFlow, 0)
	initial := c.prefetchTarget - prefetchBuffered
	if initial < 0 {
		initial = 0
	}
	return uint32(initial)
}

// SetPrefetchTarget applies a signed delta to the prefetch target,
// never driving the accumulator negative (negative deltas only
// suppress future top-ups, spec.md §4.1).
func (c *CreditController) SetPrefetchTarget(newTarget int) (flow uint32, shouldFlush bool) {
	delta := newTarget - c.prefetchTarget
	c.prefetchTarget = newTarget
	next := atomic.AddInt32(&c.nextToFlow, int32(delta))
	if next < 0 {
		next = 0
		atomic.StoreInt32(&c.nextToFlow, 0)
	}
	return c.maybeFlush(next)
}

func (c *CreditController) maybeFlush(next int32) (uint32, bool) {
	if int(next) < c.flushThreshold() {
		return 0, false
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return 0, false
	}
	atomic.StoreInt32(&c.nextToFlow, 0)
	return uint32(next), true
}

// PendingFlow returns the current unflushed accumulator value, used for
// invariant checks.
func (c *CreditController) PendingFlow() int {
	return int(atomic.LoadInt32(&c.nextToFlow))
}
