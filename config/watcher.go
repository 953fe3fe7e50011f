// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/env-data-logger/pkg/logger"
)

// Watcher handles hot reloading of the configuration file.
// A pending, unconsumed configuration is replaced by a newer one.
type Watcher struct {
	path       string
	configChan chan *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:       path,
		configChan: make(chan *Config, 1),
		reloadChan: make(chan os.Signal, 1),
	}
}

// Updates returns the channel on which reloaded configurations arrive.
func (w *Watcher) Updates() <-chan *Config {
	return w.configChan
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

// watch listens for reload signals and reloads the configuration.
func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Msg("SIGHUP received, reloading configuration")
			w.reload()
		}
	}
}

// reload loads the file and publishes it. An invalid file keeps the
// current configuration in effect.
func (w *Watcher) reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("failed to reload configuration, keeping current settings")
		return false
	}

	for {
		select {
		case w.configChan <- cfg:
			logger.Info().Msg("configuration reloaded successfully")
			return true
		default:
		}
		// Drop the stale pending config so the newest one wins
		select {
		case <-w.configChan:
		default:
		}
	}
}
