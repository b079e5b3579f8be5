package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/igjeong/natsim/config"
	"github.com/igjeong/natsim/engine"
	"github.com/igjeong/natsim/events"
	"github.com/igjeong/natsim/ipc"
	"github.com/igjeong/natsim/sim"
)

const serviceTimeout = 10 * time.Second

// recentEventMask selects the events kept for status display.
const recentEventMask = events.EntryCreated | events.EntryExpired | events.SessionStarted | events.TranslationRejected

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the simulator in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runForeground(ctx, flags)
		},
	}
}

func runForeground(ctx context.Context, flags *globalFlags) (err error) {
	logger, err := setupLogger(flags.logFile, flags.verbose)
	if err != nil {
		return err
	}
	defer func() {
		// Sync on a console sink reports EINVAL; only file sinks matter.
		if flags.logFile != "" {
			err = multierr.Append(err, logger.Sync())
		}
	}()

	logger.Info("natsim starting", zap.String("version", version))

	cfg, fromFile, err := loadConfig(ctx, flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if fromFile {
		logger.Info("Configuration loaded", zap.String("path", flags.configPath))
	} else {
		logger.Info("No configuration file, using defaults", zap.String("path", flags.configPath))
	}
	logger.Info("Translation settings",
		zap.Stringer("external_ip", cfg.ExternalIP),
		zap.Stringer("internal_network", cfg.InternalNetwork),
		zap.Int("initial_ttl", cfg.InitialTTL),
		zap.String("expiry_mode", string(cfg.ExpiryMode)),
		zap.String("port_allocation", string(cfg.PortAllocation)),
		zap.String("storage", cfg.Storage.Backend))

	evLogger := events.NewLogger(events.DefaultRecentSize, recentEventMask)

	table, st, err := openTable(cfg, evLogger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.Close())
	}()
	logger.Info("Translation table loaded", zap.Int("entries", table.Count()))

	simulator, err := sim.New(table, cfg.SimulatorConfig(),
		sim.WithRand(newRand(cfg.Simulator.Seed)),
		sim.WithEvents(evLogger),
		sim.WithLogger(logger.Named("sim")))
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}

	eng := engine.New(cfg, table,
		engine.WithLogger(logger.Named("engine")),
		engine.WithEvents(evLogger),
		engine.WithSimulator(simulator),
		engine.WithVerbose(flags.verbose),
	)

	sup := suture.New("natsim", suture.Spec{
		EventHook:         func(e suture.Event) { logger.Warn(e.String()) },
		Timeout:           serviceTimeout,
		PassThroughPanics: true,
	})
	sup.Add(eng)
	sup.Add(ipc.NewServer(cfg.IPC.Addr, &ipcBackend{engine: eng}, ipc.WithLogger(logger.Named("ipc"))))

	if cfg.Metrics.Addr != "" {
		sup.Add(&metricsServer{addr: cfg.Metrics.Addr, logger: logger.Named("metrics")})
	}
	if flags.verbose {
		sup.Add(&eventLogger{events: evLogger, logger: logger.Named("events")})
	}

	if fromFile {
		watcher, err := config.NewWatcher(flags.configPath, cfg.ReloadInterval, logger.Named("config"), func(newCfg *config.Config) error {
			logger.Info("Configuration file changed, attempting hot reload")
			return eng.UpdateSettings(newCfg)
		})
		if err != nil {
			logger.Warn("Failed to start config watcher", zap.Error(err))
		} else {
			sup.Add(watcher)
		}
	}

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Print final statistics
	if status, serr := eng.Status(); serr == nil {
		logger.Info("Final statistics",
			zap.Uint64("ticks", status.Ticks),
			zap.Uint64("tick_failures", status.TickFailures),
			zap.Uint64("active_entries", status.Active),
			zap.Uint64("total_created", status.TotalCreated),
			zap.Uint64("total_expired", status.TotalExpired),
			zap.Uint64("rejected", status.Rejected))
	}
	logger.Info("natsim stopped")
	return err
}

// metricsServer exposes /metrics over HTTP.
type metricsServer struct {
	addr   string
	logger *zap.Logger
}

func (s *metricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", zap.String("addr", s.addr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serviceTimeout/2)
	defer cancel()
	return multierr.Append(ctx.Err(), srv.Shutdown(shutdownCtx))
}

func (s *metricsServer) String() string {
	return fmt.Sprintf("metricsServer@%s", s.addr)
}

// eventLogger writes every published event to the debug log.
type eventLogger struct {
	events *events.Logger
	logger *zap.Logger
}

func (l *eventLogger) Serve(ctx context.Context) error {
	sub := l.events.Subscribe(events.AllEvents)
	defer l.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Type == events.TableChanged {
				continue
			}
			l.logger.Debug(ev.Type.String(), zap.Int("id", ev.ID), zap.String("detail", eventSummary(ev)))
		}
	}
}

func (l *eventLogger) String() string {
	return "eventLogger"
}
