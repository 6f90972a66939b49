// config_watcher.go: Hot reload of the resilience configuration file
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// ConfigWatcher hot-reloads a ResilienceConfig YAML file.
//
// Every change is parsed and validated before it is applied; a file that
// fails validation is rejected and the previous configuration stays
// active. Applied configurations are handed to the registered callback,
// which decides how much of the running pipeline to rewire.
type ConfigWatcher struct {
	path    string
	logger  Logger
	watcher *argus.Watcher

	current atomic.Pointer[ResilienceConfig]
	onApply func(ResilienceConfig)

	started atomic.Bool
	stopped atomic.Bool
}

// ConfigWatcherOptions tunes file change detection.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
}

// DefaultConfigWatcherOptions returns production-ready watch settings.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
	}
}

// NewConfigWatcher loads, validates, and starts tracking the file. The
// initial configuration must be valid; onApply fires for every later
// validated change.
func NewConfigWatcher(path string, options ConfigWatcherOptions, onApply func(ResilienceConfig), logger Logger) (*ConfigWatcher, error) {
	logger = NewLogger(logger)

	w := &ConfigWatcher{
		path:    path,
		logger:  logger,
		onApply: onApply,
	}

	initial, err := w.load()
	if err != nil {
		return nil, err
	}
	w.current.Store(&initial)

	w.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      5,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			logger.Error("Config file watching error", "error", err, "file", filepath)
		},
	})

	return w, nil
}

// Start begins watching the file for changes.
func (w *ConfigWatcher) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := w.watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start config watcher", err)
	}
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop halts file watching.
func (w *ConfigWatcher) Stop() error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop config watcher", err)
	}
	return nil
}

// Current returns the most recently applied configuration.
func (w *ConfigWatcher) Current() ResilienceConfig {
	return *w.current.Load()
}

// handleChange parses and validates the changed file, applying it only
// when both succeed.
func (w *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("config file deleted, keeping current configuration", "path", event.Path)
		return
	}

	config, err := w.load()
	if err != nil {
		w.logger.Error("config change rejected", "path", w.path, "error", err)
		return
	}

	w.current.Store(&config)
	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onApply != nil {
		w.onApply(config)
	}
}

// load reads, parses, and validates the configuration file.
func (w *ConfigWatcher) load() (ResilienceConfig, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ResilienceConfig{}, NewConfigParseError(w.path, err)
	}

	config := DefaultResilienceConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ResilienceConfig{}, NewConfigParseError(w.path, err)
	}
	if err := config.Validate(); err != nil {
		return ResilienceConfig{}, err
	}
	return config, nil
}
