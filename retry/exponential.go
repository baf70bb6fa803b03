// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the default link.RetryPolicy implementation: an
// exponential backoff bounded by a maximum attempt count, a maximum
// per-retry delay and the head-of-queue caller deadline, grounded on the teacher's
// queue/lifecycle.RetryManager.calculateBackoff and
// queue/types.RetryPolicy field shape.
package retry

import (
	"math"
	"sync"
	"time"
)

// Config mirrors queue/types.RetryPolicy's field shape, generalized from
// message redelivery to link recreate scheduling.
type Config struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig matches the teacher's webhook RetryConfig defaults
// (config.Default's webhook section), adapted to link recreate timing.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Exponential implements link.RetryPolicy with per-client-id retry
// counters, so a single process managing multiple receivers (multiple
// client ids) tracks each one's backoff independently.
type Exponential struct {
	cfg Config

	mu      sync.Mutex
	retries map[string]int
}

// NewExponential constructs a policy from cfg.
func NewExponential(cfg Config) *Exponential {
	return &Exponential{cfg: cfg, retries: make(map[string]int)}
}

// GetNextRetryInterval reports the backoff for clientID's next retry, or
// retry=false once MaxRetries is exhausted or the head-pending deadline
// (remaining) would expire before the backoff elapses — retries must
// never outlive the earliest caller deadline (spec.md §4.4, §7).
func (e *Exponential) GetNextRetryInterval(clientID string, _ error, remaining time.Duration) (time.Duration, bool) {
	e.mu.Lock()
	count := e.retries[clientID]
	e.mu.Unlock()

	if count >= e.cfg.MaxRetries {
		return 0, false
	}

	backoff := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffMultiplier, float64(count))
	if backoff > float64(e.cfg.MaxBackoff) {
		backoff = float64(e.cfg.MaxBackoff)
	}
	delay := time.Duration(backoff)

	if remaining > 0 && delay >= remaining {
		return 0, false
	}
	return delay, true
}

// IncrementRetryCount bumps clientID's counter, called once a recreate
// attempt is actually scheduled.
func (e *Exponential) IncrementRetryCount(clientID string) {
	e.mu.Lock()
	e.retries[clientID]++
	e.mu.Unlock()
}

// ResetRetryCount clears clientID's counter, called on successful open.
func (e *Exponential) ResetRetryCount(clientID string) {
	e.mu.Lock()
	e.retries[clientID] = 0
	e.mu.Unlock()
}
