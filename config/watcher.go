package config

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Watcher monitors a configuration file for changes by polling its hash.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(*Config) error

	mu       sync.Mutex
	lastHash [16]byte
	reloads  int
}

// WatcherOption is a functional option for Watcher configuration.
type WatcherOption func(*Watcher)

// WithWatchClock sets the time source driving the poll ticker.
func WithWatchClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		w.clock = c
	}
}

// NewWatcher creates a new configuration file watcher. The current file
// contents are taken as the baseline.
func NewWatcher(path string, interval time.Duration, logger *zap.Logger, onChange func(*Config) error, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: interval,
		logger:   logger,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}

	hash, err := w.fileHash()
	if err != nil {
		return nil, fmt.Errorf("failed to get initial file hash: %w", err)
	}
	w.lastHash = hash
	return w, nil
}

// Serve polls the file until ctx is done.
func (w *Watcher) Serve(ctx context.Context) error {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Watching configuration", zap.String("path", w.path), zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.CheckForChanges(ctx)
		}
	}
}

func (w *Watcher) String() string {
	return fmt.Sprintf("config.Watcher@%s", w.path)
}

// CheckForChanges reloads the configuration if the file content changed.
// It reports whether new settings were applied.
func (w *Watcher) CheckForChanges(ctx context.Context) bool {
	hash, err := w.fileHash()
	if err != nil {
		// File might be temporarily unavailable during write
		w.logger.Debug("Config file unreadable", zap.Error(err))
		return false
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return false
	}
	w.lastHash = hash
	w.mu.Unlock()

	if err := w.reload(ctx); err != nil {
		w.logger.Warn("Failed to reload config", zap.Error(err))
		return false
	}
	return true
}

// ForceReload triggers an immediate reload of the configuration.
func (w *Watcher) ForceReload(ctx context.Context) error {
	return w.reload(ctx)
}

func (w *Watcher) reload(ctx context.Context) error {
	cfg, err := LoadWithEnv(ctx, w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if w.onChange != nil {
		if err := w.onChange(cfg); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	return nil
}

// Reloads returns how many times new settings were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.reloads
}

func (w *Watcher) fileHash() ([16]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return [16]byte{}, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, err
	}

	var hash [16]byte
	copy(hash[:], h.Sum(nil))
	return hash, nil
}
