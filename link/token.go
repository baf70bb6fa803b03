// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenManager refreshes the CBS token for a fixed audience at a fixed
// interval, with every tick re-dispatched onto the reactor goroutine
// (spec.md §4.5). A send failure is logged but never touches link
// state directly — subsequent AMQP operations fail on their own and
// drive the link state machine through on_error, exactly mirroring the
// Java source's ActiveClientTokenManager.
type TokenManager struct {
	audience string
	provider TokenProvider
	cbs      CBSChannel
	bridge   *ReactorBridge
	interval time.Duration
	validity time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	handle    *TimerHandle
	cancelled bool
}

// NewTokenManager constructs a manager; Start must be called to begin
// the refresh cadence.
func NewTokenManager(audience string, provider TokenProvider, cbs CBSChannel, bridge *ReactorBridge,
	interval, validity time.Duration, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		audience: audience,
		provider: provider,
		cbs:      cbs,
		bridge:   bridge,
		interval: interval,
		validity: validity,
		logger:   logger,
	}
}

// Start schedules the recurring refresh cadence. It does not itself
// send a token: the open procedure performs its own gating send via
// SendNow before every session acquisition attempt (spec.md §4.4), and
// this periodic cadence keeps the CBS authorization alive independent
// of link open/recreate cycles.
func (tm *TokenManager) Start(context.Context) error {
	tm.scheduleNext()
	return nil
}

// SendNow performs a single token acquisition-and-send, used by the
// open procedure to gate session acquisition on a fresh CBS token.
func (tm *TokenManager) SendNow(ctx context.Context) error {
	return tm.sendOnce(ctx)
}

func (tm *TokenManager) scheduleNext() {
	tm.mu.Lock()
	if tm.cancelled {
		tm.mu.Unlock()
		return
	}
	tm.mu.Unlock()

	h, err := tm.bridge.DispatchAfter(tm.interval, func() {
		_ = tm.sendOnce(context.Background())
		tm.scheduleNext()
	})
	if err != nil {
		// Reactor is shut down; nothing more to schedule. Subsequent
		// AMQP operations will fail on their own.
		return
	}
	tm.mu.Lock()
	tm.handle = h
	tm.mu.Unlock()
}

func (tm *TokenManager) sendOnce(ctx context.Context) error {
	token, err := tm.provider.GetToken(ctx, tm.audience, tm.validity)
	if err != nil {
		tm.logger.Warn("token acquisition failed", slog.String("audience", tm.audience), slog.Any("error", err))
		return err
	}
	if err := tm.cbs.SendToken(ctx, token, tm.audience); err != nil {
		tm.logger.Warn("CBS token send failed", slog.String("audience", tm.audience), slog.Any("error", err))
		return err
	}
	tm.logger.Debug("CBS token sent", slog.String("audience", tm.audience))
	return nil
}

// Cancel stops future refreshes. Idempotent and synchronous.
func (tm *TokenManager) Cancel() {
	tm.mu.Lock()
	if tm.cancelled {
		tm.mu.Unlock()
		return
	}
	tm.cancelled = true
	h := tm.handle
	tm.mu.Unlock()
	h.Cancel()
}
