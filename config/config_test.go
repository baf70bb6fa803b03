// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Link.Prefetch)
	assert.Equal(t, 10, cfg.Retry.MaxRetries)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receiver.yaml")
	body := `
link:
  host: myhub.servicebus.windows.net
  entity_path: hub1/consumergroups/$default/partitions/3
  link_name: custom-link
  prefetch: 250
  operation_timeout: 45s
retry:
  max_retries: 3
  backoff_multiplier: 1.5
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myhub.servicebus.windows.net", cfg.Link.Host)
	assert.Equal(t, "hub1/consumergroups/$default/partitions/3", cfg.Link.EntityPath)
	assert.Equal(t, 250, cfg.Link.Prefetch)
	assert.Equal(t, 45*time.Second, cfg.Link.OperationTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 1.5, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, "json", cfg.Log.Format)
	// link_name is overridden; the circuit_breaker section is not
	// mentioned in the override and keeps its defaults.
	assert.Equal(t, "custom-link", cfg.Link.LinkName)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("link:\n  host: \"\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateEachBranch(t *testing.T) {
	base := Default()

	cfg := *base
	cfg.Link.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Link.EntityPath = ""
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Link.LinkName = ""
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Link.Prefetch = 0
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Link.OperationTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Retry.MaxRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Retry.BackoffMultiplier = 0.5
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestReceiverConfigAndRetryPolicyWiring(t *testing.T) {
	cfg := Default()
	rc := cfg.ReceiverConfig(nil)
	assert.Equal(t, cfg.Link.Host, rc.Host)
	assert.Equal(t, cfg.Link.Prefetch, rc.Prefetch)
	assert.Equal(t, cfg.Breaker.FailureThreshold, rc.CircuitBreaker.FailureThreshold)

	policy := cfg.RetryPolicy()
	require.NotNil(t, policy)
	delay, ok := policy.GetNextRetryInterval("c1", nil, time.Hour)
	assert.True(t, ok)
	assert.Equal(t, cfg.Retry.InitialBackoff, delay)
}
