// Package engine drives the translation table: a periodic maintenance and
// traffic tick, plus on-demand translations requested by users.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/igjeong/natsim/config"
	"github.com/igjeong/natsim/events"
	"github.com/igjeong/natsim/nat"
	"github.com/igjeong/natsim/sim"
)

// Engine is the main tick driver.
type Engine struct {
	table     *nat.Table
	simulator *sim.Simulator
	events    *events.Logger
	logger    *zap.Logger
	clock     clock.Clock
	verbose   bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu               sync.Mutex
	cfg              *config.Config
	tickInterval     time.Duration
	expiryMode       nat.ExpiryMode
	initialTTL       int
	simulatorEnabled bool

	started time.Time

	// Statistics
	ticks        uint64
	tickFailures uint64
	rejected     uint64
}

// Option is a functional option for Engine configuration.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the time source driving the tick.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithTickInterval overrides the configured tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = d
	}
}

// WithExpiryMode overrides the configured expiry mode.
func WithExpiryMode(m nat.ExpiryMode) Option {
	return func(e *Engine) {
		e.expiryMode = m
	}
}

// WithInitialTTL overrides the TTL given to user translations.
func WithInitialTTL(ttl int) Option {
	return func(e *Engine) {
		e.initialTTL = ttl
	}
}

// WithEvents publishes engine events to l.
func WithEvents(l *events.Logger) Option {
	return func(e *Engine) {
		e.events = l
	}
}

// WithSimulator attaches a traffic simulator, stepped once per tick.
func WithSimulator(s *sim.Simulator) Option {
	return func(e *Engine) {
		e.simulator = s
	}
}

// WithRand sets the source for user ephemeral ports.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = r
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(e *Engine) {
		e.verbose = verbose
	}
}

// New creates an engine driving table with the settings in cfg.
func New(cfg *config.Config, table *nat.Table, opts ...Option) *Engine {
	e := &Engine{
		table:            table,
		cfg:              cfg,
		tickInterval:     cfg.TickInterval,
		expiryMode:       cfg.ExpiryMode,
		initialTTL:       cfg.InitialTTL,
		simulatorEnabled: cfg.Simulator.Enabled,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if e.tickInterval <= 0 {
		e.tickInterval = time.Second
	}
	if e.expiryMode == "" {
		e.expiryMode = nat.ExpiryDeferred
	}
	if e.initialTTL <= 0 {
		e.initialTTL = nat.DefaultInitialTTL
	}
	e.started = e.clock.Now()

	return e
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine.Engine@%p", e)
}

// Serve runs one tick per interval until ctx is done. A failed tick is
// logged and counted; the loop carries on.
func (e *Engine) Serve(ctx context.Context) error {
	interval := e.TickInterval()
	ticker := e.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	e.logger.Info("Starting",
		zap.Duration("interval", interval),
		zap.String("expiry", string(e.ExpiryMode())),
		zap.Bool("simulator", e.simulator != nil && e.SimulatorEnabled()))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if err := e.Tick(); err != nil {
			e.logger.Warn("Tick failed", zap.Error(err))
		}

		if d := e.TickInterval(); d != interval {
			ticker.Stop()
			ticker = e.clock.Ticker(d)
			interval = d
			e.logger.Info("Tick interval changed", zap.Duration("interval", d))
		}
	}
}

// Tick runs table maintenance and then one simulator step. If maintenance
// fails the simulator is not stepped.
func (e *Engine) Tick() error {
	atomic.AddUint64(&e.ticks, 1)

	expired, err := e.table.Maintain(e.ExpiryMode())
	if err != nil {
		atomic.AddUint64(&e.tickFailures, 1)
		metricTickFailures.WithLabelValues(metricStageMaintenance).Inc()
		return fmt.Errorf("maintenance failed: %w", err)
	}
	for _, entry := range expired {
		e.logger.Info("Expired entry deleted",
			zap.Stringer("flow", entry.Key),
			zap.Stringer("external", entry.External()))
	}
	metricExpired.Add(float64(len(expired)))

	if e.simulator != nil && e.SimulatorEnabled() {
		res, err := e.simulator.Step()
		if err != nil {
			atomic.AddUint64(&e.tickFailures, 1)
			metricTickFailures.WithLabelValues(metricStageTraffic).Inc()
			metricTableEntries.Set(float64(e.table.Count()))
			return fmt.Errorf("traffic step failed: %w", err)
		}
		metricSimSteps.WithLabelValues(string(res.Path)).Inc()
		metricTranslations.WithLabelValues(metricOriginSimulator, outcome(res.Created)).Inc()
		metricSimSessions.Set(float64(e.simulator.ActiveSessions()))
	}

	metricTableEntries.Set(float64(e.table.Count()))

	if e.verbose {
		e.dumpTable()
	}
	return nil
}

func (e *Engine) dumpTable() {
	entries, err := e.table.GetAllEntries()
	if err != nil {
		e.logger.Debug("Failed to read table", zap.Error(err))
		return
	}
	e.logger.Debug("Active translations", zap.Int("count", len(entries)))
	for _, entry := range entries {
		e.logger.Debug("  " + entry.String())
	}
}

// Rejection describes a user translation that failed validation.
type Rejection struct {
	Input  string `json:"input"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Translate handles a user request for destination input ("IP:port"). The
// flow originates from the configured user internal IP and a random
// ephemeral port. Invalid input is rejected without touching the table.
func (e *Engine) Translate(ctx context.Context, input string) (nat.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nat.Entry{}, false, err
	}

	dest, err := nat.ParseDestination(input)
	if err != nil {
		e.reject(input, err)
		return nat.Entry{}, false, err
	}

	e.mu.Lock()
	internalIP := e.cfg.UserInternalIP
	externalIP := e.cfg.ExternalIP
	ttl := e.initialTTL
	e.mu.Unlock()

	key := nat.Key{
		InternalIP:   internalIP,
		InternalPort: e.ephemeralPort(),
		DestIP:       dest.Addr(),
		DestPort:     dest.Port(),
	}

	entry, created, err := e.table.GetOrCreate(key, externalIP, ttl)
	if err != nil {
		e.reject(input, err)
		return nat.Entry{}, false, fmt.Errorf("failed to translate %s: %w", input, err)
	}

	metricTranslations.WithLabelValues(metricOriginUser, outcome(created)).Inc()
	metricTableEntries.Set(float64(e.table.Count()))
	e.logger.Info("Translated",
		zap.Stringer("flow", entry.Key),
		zap.Stringer("external", entry.External()),
		zap.Int("ttl", entry.TTL))
	e.events.Log(events.TableChanged, nil)

	return entry, created, nil
}

func (e *Engine) reject(input string, err error) {
	reason := rejectReason(err)
	atomic.AddUint64(&e.rejected, 1)
	metricRejected.WithLabelValues(reason).Inc()
	e.logger.Warn("Translation rejected", zap.String("input", input), zap.String("reason", reason), zap.Error(err))
	e.events.Log(events.TranslationRejected, Rejection{Input: input, Reason: reason, Error: err.Error()})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, nat.ErrInvalidAddressFormat):
		return metricReasonAddressFormat
	case errors.Is(err, nat.ErrPortOutOfRange):
		return metricReasonPortRange
	case errors.Is(err, nat.ErrAllocationExhausted):
		return metricReasonExhausted
	case errors.Is(err, nat.ErrInvalidTTL):
		return metricReasonInvalidTTL
	default:
		return metricReasonStorage
	}
}

func (e *Engine) ephemeralPort() uint16 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()

	return uint16(sim.EphemeralPortMin + e.rng.IntN(sim.EphemeralPortMax-sim.EphemeralPortMin+1))
}

// Status is a point-in-time view of the engine for status display.
type Status struct {
	ExternalIP       netip.Addr     `json:"external_ip"`
	TickInterval     time.Duration  `json:"tick_interval"`
	ExpiryMode       nat.ExpiryMode `json:"expiry_mode"`
	SimulatorEnabled bool           `json:"simulator_enabled"`
	ReuseProbability float64        `json:"reuse_probability"`
	Uptime           time.Duration  `json:"uptime"`

	Entries        []nat.Entry `json:"entries"`
	Active         uint64      `json:"active"`
	TotalCreated   uint64      `json:"total_created"`
	TotalExpired   uint64      `json:"total_expired"`
	ActiveSessions int         `json:"active_sessions"`
	Ticks          uint64      `json:"ticks"`
	TickFailures   uint64      `json:"tick_failures"`
	Rejected       uint64      `json:"rejected"`

	Recent []events.Event `json:"recent,omitempty"`
}

// Status returns the current table snapshot and counters.
func (e *Engine) Status() (Status, error) {
	entries, err := e.table.GetAllEntries()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read table: %w", err)
	}
	active, created, expired := e.table.Stats()

	e.mu.Lock()
	st := Status{
		ExternalIP:       e.cfg.ExternalIP,
		TickInterval:     e.tickInterval,
		ExpiryMode:       e.expiryMode,
		SimulatorEnabled: e.simulator != nil && e.simulatorEnabled,
		Uptime:           e.clock.Since(e.started),
	}
	e.mu.Unlock()

	st.Entries = entries
	st.Active = active
	st.TotalCreated = created
	st.TotalExpired = expired
	st.Ticks = atomic.LoadUint64(&e.ticks)
	st.TickFailures = atomic.LoadUint64(&e.tickFailures)
	st.Rejected = atomic.LoadUint64(&e.rejected)
	st.Recent = e.events.Recent()
	if e.simulator != nil {
		st.ActiveSessions = e.simulator.ActiveSessions()
		st.ReuseProbability = e.simulator.Config().ReuseProbability
	}
	return st, nil
}

// TickInterval returns the current tick interval.
func (e *Engine) TickInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tickInterval
}

// ExpiryMode returns the current expiry mode.
func (e *Engine) ExpiryMode() nat.ExpiryMode {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.expiryMode
}

// SimulatorEnabled reports whether the simulator is stepped on each tick.
func (e *Engine) SimulatorEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.simulatorEnabled
}

// UpdateSettings applies a reloaded configuration without restarting.
// Only tunables can be hot-reloaded; addressing, allocation and storage
// changes require restart.
func (e *Engine) UpdateSettings(cfg *config.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.cfg
	if old.ExternalIP != cfg.ExternalIP {
		return fmt.Errorf("external IP changed from %s to %s; restart required", old.ExternalIP, cfg.ExternalIP)
	}
	if old.InternalNetwork != cfg.InternalNetwork {
		return fmt.Errorf("internal network changed from %s to %s; restart required", old.InternalNetwork, cfg.InternalNetwork)
	}
	if old.PortAllocation != cfg.PortAllocation || old.PortFloor != cfg.PortFloor {
		return fmt.Errorf("port allocation changed; restart required")
	}
	if old.Storage != cfg.Storage {
		return fmt.Errorf("storage changed from %s:%s to %s:%s; restart required",
			old.Storage.Backend, old.Storage.Path, cfg.Storage.Backend, cfg.Storage.Path)
	}

	if e.simulator != nil {
		if err := e.simulator.SetReuseProbability(cfg.Simulator.ReuseProbability); err != nil {
			return err
		}
		if err := e.simulator.SetSessionTTL(cfg.Simulator.SessionTTL); err != nil {
			return err
		}
		if err := e.simulator.SetInitialTTL(cfg.InitialTTL); err != nil {
			return err
		}
	}

	e.cfg = cfg
	e.tickInterval = cfg.TickInterval
	e.expiryMode = cfg.ExpiryMode
	e.initialTTL = cfg.InitialTTL
	e.simulatorEnabled = cfg.Simulator.Enabled

	e.logger.Info("Settings hot-reloaded",
		zap.Duration("interval", cfg.TickInterval),
		zap.String("expiry", string(cfg.ExpiryMode)),
		zap.Int("ttl", cfg.InitialTTL),
		zap.Float64("reuse", cfg.Simulator.ReuseProbability),
		zap.Duration("session_ttl", cfg.Simulator.SessionTTL),
		zap.Bool("simulator", cfg.Simulator.Enabled))

	return nil
}
