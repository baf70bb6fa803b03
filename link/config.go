// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"fmt"
	"log/slog"
	"time"
)

// TokenAudienceFormat mirrors ClientConstants.TOKEN_AUDIENCE_FORMAT
// from the original Java source: the CBS token audience is always
// "amqp://<host>/<entityPath>".
const TokenAudienceFormat = "amqp://%s/%s"

// TrackingIDPropertyKey is the remote link property the peer uses to
// surface an opaque diagnostic tracking id, mirrored from
// ClientConstants.TRACKING_ID_PROPERTY.
const TrackingIDPropertyKey Symbol = "com.microsoft:tracking-id"

// CircuitBreakerConfig configures the breaker guarding link-open and
// CBS token-send attempts (mirrors config.CircuitBreakerConfig).
type CircuitBreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// DefaultCircuitBreakerConfig matches the teacher's webhook defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// ReceiverConfig is immutable after construction (spec.md §3).
type ReceiverConfig struct {
	Host             string
	EntityPath       string
	LinkName         string
	Prefetch         int
	OperationTimeout time.Duration

	// TokenAudience overrides the default "amqp://host/entityPath"
	// audience string; leave empty to use the default.
	TokenAudience string

	SettingsProvider ReceiverSettingsProvider

	OpenTimeout          time.Duration
	CloseTimeout         time.Duration
	TokenRefreshInterval time.Duration
	TokenValidity        time.Duration
	MinFlowInterval      time.Duration // 0 disables pacing
	CircuitBreaker       CircuitBreakerConfig

	Logger *slog.Logger

	// OnOpenRetry is an injectable test seam invoked just before a
	// recreate is scheduled after an open failure (spec.md §4.4, §9).
	// Defaults to a no-op.
	OnOpenRetry func(*Receiver)
}

// audience returns the configured token audience, or the default
// "amqp://host/entityPath" format.
func (c *ReceiverConfig) audience() string {
	if c.TokenAudience != "" {
		return c.TokenAudience
	}
	return fmt.Sprintf(TokenAudienceFormat, c.Host, c.EntityPath)
}

func (c *ReceiverConfig) validate() error {
	if c.Prefetch <= 0 {
		return ErrInvalidPrefetch
	}
	if c.OperationTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.SettingsProvider == nil {
		return fmt.Errorf("settings provider must not be nil")
	}
	return nil
}

func (c *ReceiverConfig) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = c.OperationTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = c.OperationTimeout
	}
	if c.TokenRefreshInterval <= 0 {
		c.TokenRefreshInterval = 20 * time.Minute
	}
	if c.TokenValidity <= 0 {
		c.TokenValidity = 30 * time.Minute
	}
	if c.CircuitBreaker == (CircuitBreakerConfig{}) {
		c.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	if c.OnOpenRetry == nil {
		c.OnOpenRetry = func(*Receiver) {}
	}
}
