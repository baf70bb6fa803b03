// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration for the demo receiver
// binary, in the teacher's config.Load/Default/Validate shape
// (grounded on the original config.Config's server/broker sections),
// generalized from a multi-protocol broker's settings to a single AMQP
// receiver link's connection and tuning parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxlink/amqpreceiver/link"
	"github.com/fluxlink/amqpreceiver/retry"
)

// Config holds every parameter needed to stand up one receiver link.
type Config struct {
	Link    LinkConfig    `yaml:"link"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"circuit_breaker"`
	Log     LogConfig     `yaml:"log"`
}

// LinkConfig mirrors link.ReceiverConfig's tunables directly.
type LinkConfig struct {
	Host                 string        `yaml:"host"`
	EntityPath           string        `yaml:"entity_path"`
	LinkName             string        `yaml:"link_name"`
	Prefetch             int           `yaml:"prefetch"`
	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	OpenTimeout          time.Duration `yaml:"open_timeout"`
	CloseTimeout         time.Duration `yaml:"close_timeout"`
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval"`
	TokenValidity        time.Duration `yaml:"token_validity"`
	MinFlowInterval      time.Duration `yaml:"min_flow_interval"`
}

// RetryConfig mirrors retry.Config (the teacher's webhook RetryConfig
// shape, config.RetryConfig in the original broker).
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// BreakerConfig mirrors the original config.CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig controls the demo binary's slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Host:                 "localhost",
			EntityPath:           "hub1/consumergroups/$default/partitions/0",
			LinkName:             "amqpreceiver-demo",
			Prefetch:             100,
			OperationTimeout:     60 * time.Second,
			OpenTimeout:          30 * time.Second,
			CloseTimeout:         30 * time.Second,
			TokenRefreshInterval: 20 * time.Minute,
			TokenValidity:        30 * time.Minute,
			MinFlowInterval:      0,
		},
		Retry: RetryConfig{
			MaxRetries:        10,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. If filename is empty or
// the file doesn't exist, returns the default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks whether the configuration is usable.
func (c *Config) Validate() error {
	if c.Link.Host == "" {
		return fmt.Errorf("link.host cannot be empty")
	}
	if c.Link.EntityPath == "" {
		return fmt.Errorf("link.entity_path cannot be empty")
	}
	if c.Link.LinkName == "" {
		return fmt.Errorf("link.link_name cannot be empty")
	}
	if c.Link.Prefetch <= 0 {
		return fmt.Errorf("link.prefetch must be positive")
	}
	if c.Link.OperationTimeout <= 0 {
		return fmt.Errorf("link.operation_timeout must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1.0")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}

// ReceiverConfig builds a link.ReceiverConfig from this configuration,
// wiring in the settings provider supplied by the caller.
func (c *Config) ReceiverConfig(provider link.ReceiverSettingsProvider) link.ReceiverConfig {
	return link.ReceiverConfig{
		Host:                 c.Link.Host,
		EntityPath:           c.Link.EntityPath,
		LinkName:             c.Link.LinkName,
		Prefetch:             c.Link.Prefetch,
		OperationTimeout:     c.Link.OperationTimeout,
		SettingsProvider:     provider,
		OpenTimeout:          c.Link.OpenTimeout,
		CloseTimeout:         c.Link.CloseTimeout,
		TokenRefreshInterval: c.Link.TokenRefreshInterval,
		TokenValidity:        c.Link.TokenValidity,
		MinFlowInterval:      c.Link.MinFlowInterval,
		CircuitBreaker: link.CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			ResetTimeout:     c.Breaker.ResetTimeout,
		},
	}
}

// RetryPolicy constructs the default retry.Exponential policy from this
// configuration.
func (c *Config) RetryPolicy() *retry.Exponential {
	return retry.NewExponential(retry.Config{
		MaxRetries:        c.Retry.MaxRetries,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	})
}
