// Package sim generates synthetic traffic against a translation table.
package sim

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/igjeong/natsim/events"
	"github.com/igjeong/natsim/nat"
)

// Defaults for the simulator.
const (
	DefaultReuseProbability = 0.7
	DefaultSessionTTL       = 15 * time.Second

	EphemeralPortMin = 49152
	EphemeralPortMax = 65535
)

// Public unicast destination range (1.0.0.0 - 223.255.255.255).
const (
	destIPMin uint32 = 0x01000000
	destIPMax uint32 = 0xDFFFFFFF
)

// DefaultInternalNetwork is the private range new sessions originate from.
var DefaultInternalNetwork = netip.MustParsePrefix("192.168.10.0/24")

// Translator is the part of the translation table the simulator drives.
type Translator interface {
	GetOrCreate(key nat.Key, externalIP netip.Addr, initialTTL int) (nat.Entry, bool, error)
}

// Path tells whether a step reused an active session or started a new one.
type Path string

const (
	PathNew   Path = "new"
	PathReuse Path = "reuse"
)

// Config holds the simulator parameters.
type Config struct {
	ExternalIP       netip.Addr
	InternalNetwork  netip.Prefix
	InitialTTL       int
	ReuseProbability float64
	SessionTTL       time.Duration // inactivity window, independent of the table TTL
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.ExternalIP.Is4() {
		return fmt.Errorf("external IP must be IPv4: %s", c.ExternalIP)
	}
	if !c.InternalNetwork.IsValid() || !c.InternalNetwork.Addr().Is4() {
		return fmt.Errorf("internal network must be an IPv4 prefix: %s", c.InternalNetwork)
	}
	if bits := c.InternalNetwork.Bits(); bits < 8 || bits > 30 {
		return fmt.Errorf("internal network prefix length must be between 8 and 30: %s", c.InternalNetwork)
	}
	if c.InitialTTL <= 0 {
		return fmt.Errorf("%w: %d", nat.ErrInvalidTTL, c.InitialTTL)
	}
	if err := validateReuseProbability(c.ReuseProbability); err != nil {
		return err
	}
	return validateSessionTTL(c.SessionTTL)
}

func validateReuseProbability(p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("reuse probability must be within [0, 1]: %v", p)
	}
	return nil
}

func validateSessionTTL(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("session TTL must be positive: %v", d)
	}
	return nil
}

// StepResult describes what one simulator step did.
type StepResult struct {
	Path    Path
	Entry   nat.Entry
	Created bool // the table allocated a new entry
	Evicted int  // sessions dropped for inactivity
}

// Simulator decides, once per tick, whether to reuse an active session or
// start a new one, and drives the table accordingly. Its notion of an
// active session is separate from the table's TTL.
type Simulator struct {
	table  Translator
	clock  clock.Clock
	rng    *rand.Rand
	events *events.Logger
	logger *zap.Logger

	mu       sync.Mutex
	cfg      Config
	sessions map[nat.Key]time.Time
}

// Option is a functional option for Simulator configuration.
type Option func(*Simulator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		s.clock = c
	}
}

// WithRand sets the random source. Use a seeded source for reproducible runs.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) {
		s.rng = r
	}
}

// WithEvents publishes session events to l.
func WithEvents(l *events.Logger) Option {
	return func(s *Simulator) {
		s.events = l
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// New creates a simulator driving table.
func New(table Translator, cfg Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.InternalNetwork = cfg.InternalNetwork.Masked()

	s := &Simulator{
		table:    table,
		cfg:      cfg,
		sessions: make(map[nat.Key]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s, nil
}

// Step runs one traffic tick. If the table fails the session set is left
// as it was after eviction.
func (s *Simulator) Step() (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	result := StepResult{Evicted: s.evictLocked(now)}

	var key nat.Key
	if s.rng.Float64() < s.cfg.ReuseProbability && len(s.sessions) > 0 {
		key = s.pickLocked()
		result.Path = PathReuse
	} else {
		key = s.newKeyLocked()
		result.Path = PathNew
	}

	entry, created, err := s.table.GetOrCreate(key, s.cfg.ExternalIP, s.cfg.InitialTTL)
	if err != nil {
		return result, fmt.Errorf("failed to process %s session %s: %w", result.Path, key, err)
	}
	result.Entry = entry
	result.Created = created

	s.sessions[key] = now

	if result.Path == PathNew {
		s.logger.Info("New entry",
			zap.Stringer("flow", entry.Key),
			zap.Stringer("external", entry.External()),
			zap.Int("ttl", entry.TTL))
		s.events.Log(events.SessionStarted, entry)
	} else {
		s.logger.Debug("Reused entry", zap.Stringer("flow", entry.Key), zap.Int("ttl", entry.TTL))
	}
	s.events.Log(events.TableChanged, nil)

	return result, nil
}

// evictLocked drops sessions idle for longer than the session TTL.
func (s *Simulator) evictLocked(now time.Time) int {
	evicted := 0
	for key, last := range s.sessions {
		if now.Sub(last) > s.cfg.SessionTTL {
			delete(s.sessions, key)
			evicted++
		}
	}
	return evicted
}

// pickLocked chooses an active session uniformly. Keys are sorted first so
// that a seeded source gives the same choice on every run.
func (s *Simulator) pickLocked() nat.Key {
	keys := make([]nat.Key, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keyLess(keys[i], keys[j])
	})
	return keys[s.rng.IntN(len(keys))]
}

func keyLess(a, b nat.Key) bool {
	if c := a.InternalIP.Compare(b.InternalIP); c != 0 {
		return c < 0
	}
	if a.InternalPort != b.InternalPort {
		return a.InternalPort < b.InternalPort
	}
	if c := a.DestIP.Compare(b.DestIP); c != 0 {
		return c < 0
	}
	return a.DestPort < b.DestPort
}

// newKeyLocked synthesizes a flow from a random internal host and
// ephemeral port to a random public destination.
func (s *Simulator) newKeyLocked() nat.Key {
	return nat.Key{
		InternalIP:   s.randomInternalIP(),
		InternalPort: uint16(EphemeralPortMin + s.rng.IntN(EphemeralPortMax-EphemeralPortMin+1)),
		DestIP:       uint32ToAddr(destIPMin + s.rng.Uint32N(destIPMax-destIPMin+1)),
		DestPort:     uint16(1 + s.rng.IntN(65535)),
	}
}

// randomInternalIP returns a host address of the internal network,
// excluding the network and broadcast addresses.
func (s *Simulator) randomInternalIP() netip.Addr {
	base := s.cfg.InternalNetwork.Addr().As4()
	size := uint32(1) << (32 - s.cfg.InternalNetwork.Bits())
	return uint32ToAddr(binary.BigEndian.Uint32(base[:]) + 1 + s.rng.Uint32N(size-2))
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// ActiveSessions returns the number of sessions eligible for reuse.
func (s *Simulator) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Config returns the current configuration.
func (s *Simulator) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// SetReuseProbability changes the reuse probability.
func (s *Simulator) SetReuseProbability(p float64) error {
	if err := validateReuseProbability(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.ReuseProbability = p
	return nil
}

// SetSessionTTL changes the inactivity window. It applies from the next step.
func (s *Simulator) SetSessionTTL(d time.Duration) error {
	if err := validateSessionTTL(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.SessionTTL = d
	return nil
}

// SetInitialTTL changes the TTL given to entries the simulator touches.
func (s *Simulator) SetInitialTTL(ttl int) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %d", nat.ErrInvalidTTL, ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.InitialTTL = ttl
	return nil
}
