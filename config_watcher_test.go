// config_watcher_test.go: config hot-reload load and rejection tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigWatcherLoadsInitialFile(t *testing.T) {
	path := writeConfigFile(t, `
circuit_breaker:
  failure_threshold: 9
cache:
  max_entries: 256
`)

	w, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), nil, NewTestLogger())
	require.NoError(t, err)

	config := w.Current()
	assert.Equal(t, 9, config.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 256, config.Cache.MaxEntries)
	// Unset fields keep the defaults.
	assert.Equal(t, DefaultCircuitBreakerConfig().OpenTimeout, config.CircuitBreaker.OpenTimeout)
}

func TestConfigWatcherRejectsMissingFile(t *testing.T) {
	_, err := NewConfigWatcher(filepath.Join(t.TempDir(), "absent.yaml"), DefaultConfigWatcherOptions(), nil, nil)
	require.Error(t, err)
}

func TestConfigWatcherRejectsInvalidInitialConfig(t *testing.T) {
	path := writeConfigFile(t, `
cache:
  max_entries: -1
`)
	_, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), nil, nil)
	require.Error(t, err)
}

func TestConfigWatcherRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "{{not yaml")
	_, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), nil, nil)
	require.Error(t, err)
}

func TestConfigWatcherAppliesValidChange(t *testing.T) {
	path := writeConfigFile(t, "")

	var applied []ResilienceConfig
	w, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), func(c ResilienceConfig) {
		applied = append(applied, c)
	}, NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("circuit_breaker:\n  failure_threshold: 3\n"), 0o644))
	w.handleChange(argus.ChangeEvent{Path: path, IsModify: true})

	require.Len(t, applied, 1)
	assert.Equal(t, 3, applied[0].CircuitBreaker.FailureThreshold)
	assert.Equal(t, 3, w.Current().CircuitBreaker.FailureThreshold)
}

func TestConfigWatcherKeepsCurrentOnInvalidChange(t *testing.T) {
	path := writeConfigFile(t, "circuit_breaker:\n  failure_threshold: 7\n")

	applies := 0
	w, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), func(ResilienceConfig) { applies++ }, NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_entries: -1\n"), 0o644))
	w.handleChange(argus.ChangeEvent{Path: path, IsModify: true})

	assert.Equal(t, 0, applies, "an invalid change must not be applied")
	assert.Equal(t, 7, w.Current().CircuitBreaker.FailureThreshold)
}

func TestConfigWatcherKeepsCurrentOnDelete(t *testing.T) {
	path := writeConfigFile(t, "circuit_breaker:\n  failure_threshold: 7\n")

	w, err := NewConfigWatcher(path, DefaultConfigWatcherOptions(), nil, NewTestLogger())
	require.NoError(t, err)

	w.handleChange(argus.ChangeEvent{Path: path, IsDelete: true})
	assert.Equal(t, 7, w.Current().CircuitBreaker.FailureThreshold)
}

func TestConfigWatcherDetectsFileChange(t *testing.T) {
	path := writeConfigFile(t, "circuit_breaker:\n  failure_threshold: 5\n")

	options := ConfigWatcherOptions{PollInterval: 20 * time.Millisecond, CacheTTL: 10 * time.Millisecond}
	applied := make(chan ResilienceConfig, 1)
	w, err := NewConfigWatcher(path, options, func(c ResilienceConfig) { applied <- c }, NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	// Argus snapshots mtimes on the first poll; give it a tick before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("circuit_breaker:\n  failure_threshold: 8\n"), 0o644))

	select {
	case config := <-applied:
		assert.Equal(t, 8, config.CircuitBreaker.FailureThreshold)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not detected")
	}
}
