package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/igjeong/natsim/config"
	"github.com/igjeong/natsim/events"
	"github.com/igjeong/natsim/nat"
	"github.com/igjeong/natsim/store"
)

// setupLogger builds the process logger, writing to stdout and, if set,
// appending to logFile as well.
func setupLogger(logFile string, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stdout"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	if logFile != "" {
		// Ensure log directory exists
		if logDir := filepath.Dir(logFile); logDir != "" && logDir != "." {
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to create log directory: %v\n", err)
			}
		}
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// loadConfig reads the configuration at path. A missing file at the
// default location falls back to the built-in defaults.
func loadConfig(ctx context.Context, path string) (*config.Config, bool, error) {
	cfg, err := config.LoadWithEnv(ctx, path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		cfg = config.Default()
		if err := cfg.ApplyEnv(ctx); err != nil {
			return nil, false, err
		}
		return cfg, false, cfg.Validate()
	}
	if err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, true, nil
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (nat.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return nat.NewMemoryStore(), nil
	case config.BackendLevelDB:
		return store.OpenLevelDB(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openTable opens the store and builds the translation table on it.
func openTable(cfg *config.Config, evLogger *events.Logger) (*nat.Table, nat.Store, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	allocator, err := nat.NewAllocator(cfg.PortAllocation, cfg.PortFloor)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	table, err := nat.NewTable(st, nat.WithAllocator(allocator), nat.WithEvents(evLogger))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return table, st, nil
}

// newRand returns a source seeded from seed, or a random one for seed 0.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}
