package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestWatcherDetectsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	writeConfig(t, path, "initial_ttl: 30\n")

	var applied []*Config
	w, err := NewWatcher(path, time.Second, zap.NewNop(), func(cfg *Config) error {
		applied = append(applied, cfg)
		return nil
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if w.CheckForChanges(context.Background()) {
		t.Error("CheckForChanges = true for unchanged file")
	}

	writeConfig(t, path, "initial_ttl: 45\n")
	if !w.CheckForChanges(context.Background()) {
		t.Fatal("CheckForChanges = false after edit")
	}
	if len(applied) != 1 || applied[0].InitialTTL != 45 {
		t.Errorf("applied = %v, want one config with TTL 45", applied)
	}
	if w.Reloads() != 1 {
		t.Errorf("Reloads = %d, want 1", w.Reloads())
	}

	// Same content again is not a change.
	if w.CheckForChanges(context.Background()) {
		t.Error("CheckForChanges = true after reload of identical content")
	}
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	writeConfig(t, path, "initial_ttl: 30\n")

	called := false
	w, err := NewWatcher(path, time.Second, nil, func(*Config) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	writeConfig(t, path, "initial_ttl: -1\n")
	if w.CheckForChanges(context.Background()) {
		t.Error("CheckForChanges = true for invalid config")
	}
	if called {
		t.Error("onChange called for invalid config")
	}
}

func TestWatcherForceReloadPropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	writeConfig(t, path, "")

	errRestart := errors.New("restart required")
	w, err := NewWatcher(path, time.Second, nil, func(*Config) error { return errRestart })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if err := w.ForceReload(context.Background()); !errors.Is(err, errRestart) {
		t.Errorf("ForceReload = %v, want %v", err, errRestart)
	}
	if w.Reloads() != 0 {
		t.Errorf("Reloads = %d, want 0", w.Reloads())
	}
}

func TestWatcherMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), time.Second, nil, nil); err == nil {
		t.Error("NewWatcher = nil error for missing file")
	}
}

func TestWatcherServeStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	writeConfig(t, path, "")

	w, err := NewWatcher(path, time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
