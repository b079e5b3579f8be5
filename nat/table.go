// Package nat provides the address translation table, its port allocators
// and the storage boundary behind it.
package nat

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/igjeong/natsim/events"
)

// DefaultInitialTTL is the TTL, in ticks, given to new and refreshed entries.
const DefaultInitialTTL = 30

// Key identifies a flow: internal source and destination endpoints.
type Key struct {
	InternalIP   netip.Addr `json:"internal_ip"`
	InternalPort uint16     `json:"internal_port"`
	DestIP       netip.Addr `json:"dest_ip"`
	DestPort     uint16     `json:"dest_port"`
}

// String returns "intIP:intPort -> destIP:destPort".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", k.InternalIP, k.InternalPort, k.DestIP, k.DestPort)
}

func (k Key) valid() bool {
	return k.InternalIP.Is4() && k.DestIP.Is4()
}

// Entry is a single translation: a flow and the external endpoint it is
// exposed as.
type Entry struct {
	Key
	ExternalIP   netip.Addr `json:"external_ip"`
	ExternalPort uint16     `json:"external_port"`
	TTL          int        `json:"ttl"`
	Seq          uint64     `json:"seq"` // creation order, stable for the life of the entry
}

// String returns a human-readable representation of the entry.
func (e Entry) String() string {
	return fmt.Sprintf("%s (External: %s:%d) (TTL: %d)", e.Key, e.ExternalIP, e.ExternalPort, e.TTL)
}

// External returns the external endpoint.
func (e Entry) External() netip.AddrPort {
	return netip.AddrPortFrom(e.ExternalIP, e.ExternalPort)
}

// EntryEvent is the payload of the table's events.
type EntryEvent struct {
	Entry  Entry
	OldTTL int
	NewTTL int
}

// ExpiryMode controls the order of the two maintenance steps.
type ExpiryMode string

const (
	// ExpiryDeferred sweeps before decrementing, so an entry that reaches
	// TTL 0 stays visible until the following tick.
	ExpiryDeferred ExpiryMode = "deferred"
	// ExpiryImmediate decrements before sweeping, so an entry is removed in
	// the tick its TTL reaches 0.
	ExpiryImmediate ExpiryMode = "immediate"
)

// Table is the authoritative set of live translations. All operations are
// serialized by a single lock; they are cheap and infrequent.
type Table struct {
	store     Store
	allocator PortAllocator
	events    *events.Logger

	mu sync.Mutex

	nextSeq uint64

	// Statistics
	active       uint64
	totalCreated uint64
	totalExpired uint64
}

// TableOption is a functional option for Table configuration.
type TableOption func(*Table)

// WithAllocator sets the port allocator.
func WithAllocator(a PortAllocator) TableOption {
	return func(t *Table) {
		t.allocator = a
	}
}

// WithEvents publishes entry events to l.
func WithEvents(l *events.Logger) TableOption {
	return func(t *Table) {
		t.events = l
	}
}

// NewTable creates a table on top of store, loading any entries it already
// holds.
func NewTable(store Store, opts ...TableOption) (*Table, error) {
	t := &Table{store: store}
	for _, opt := range opts {
		opt(t)
	}
	if t.allocator == nil {
		t.allocator = NewMonotonicAllocator(DefaultPortFloor)
	}

	entries, err := store.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to load translation table: %w", err)
	}
	for _, e := range entries {
		if e.Seq > t.nextSeq {
			t.nextSeq = e.Seq
		}
		t.allocator.Reserve(e.ExternalIP, e.ExternalPort)
	}
	t.active = uint64(len(entries))

	return t, nil
}

// Get returns the live entry for key. Entries whose TTL has run out are
// not observable.
func (t *Table) Get(key Key) (Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok, err := t.store.Fetch(key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	if !ok || e.TTL <= 0 {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// GetOrCreate refreshes the live entry for key, or allocates a new external
// port on externalIP and inserts one. The boolean reports whether the entry
// was created.
func (t *Table) GetOrCreate(key Key, externalIP netip.Addr, initialTTL int) (Entry, bool, error) {
	if initialTTL <= 0 {
		return Entry{}, false, fmt.Errorf("%w: %d", ErrInvalidTTL, initialTTL)
	}
	if !key.valid() {
		return Entry{}, false, fmt.Errorf("%w: key %s must use IPv4 addresses", ErrInvalidAddressFormat, key)
	}
	if !externalIP.Is4() {
		return Entry{}, false, fmt.Errorf("%w: external IP %s must be IPv4", ErrInvalidAddressFormat, externalIP)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, found, err := t.store.Fetch(key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	if found && existing.TTL > 0 {
		oldTTL := existing.TTL
		existing.TTL = initialTTL
		if err := t.store.Upsert(existing); err != nil {
			return Entry{}, false, fmt.Errorf("failed to refresh %s: %w", key, err)
		}
		t.events.Log(events.EntryRefreshed, EntryEvent{Entry: existing, OldTTL: oldTTL, NewTTL: initialTTL})
		return existing, false, nil
	}

	// A dead entry not yet swept gives up its port and is replaced.
	if found {
		t.allocator.Release(existing.ExternalIP, existing.ExternalPort)
	}

	port, err := t.allocator.Allocate(externalIP)
	if err != nil {
		if found {
			t.allocator.Reserve(existing.ExternalIP, existing.ExternalPort)
		}
		return Entry{}, false, fmt.Errorf("failed to allocate external port for %s: %w", key, err)
	}

	entry := Entry{
		Key:          key,
		ExternalIP:   externalIP,
		ExternalPort: port,
		TTL:          initialTTL,
		Seq:          t.nextSeq + 1,
	}
	if err := t.store.Upsert(entry); err != nil {
		t.allocator.Release(externalIP, port)
		if found {
			t.allocator.Reserve(existing.ExternalIP, existing.ExternalPort)
		}
		return Entry{}, false, fmt.Errorf("failed to insert %s: %w", key, err)
	}
	t.nextSeq = entry.Seq

	if found {
		t.totalExpired++
		t.events.Log(events.EntryExpired, EntryEvent{Entry: existing, OldTTL: existing.TTL})
	} else {
		t.active++
	}
	t.totalCreated++
	t.events.Log(events.EntryCreated, EntryEvent{Entry: entry, NewTTL: initialTTL})

	return entry, true, nil
}

// DecrementTTL counts every live entry down by one tick. Nothing is
// removed; TTLs never drop below zero.
func (t *Table) DecrementTTL() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.decrementLocked()
}

func (t *Table) decrementLocked() error {
	entries, err := t.store.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan table: %w", err)
	}

	changed := entries[:0]
	for _, e := range entries {
		if e.TTL > 0 {
			e.TTL--
			changed = append(changed, e)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := t.store.Upsert(changed...); err != nil {
		return fmt.Errorf("failed to decrement TTLs: %w", err)
	}
	return nil
}

// DeleteExpiredEntries removes and returns every entry with TTL <= 0.
func (t *Table) DeleteExpiredEntries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.deleteExpiredLocked()
}

func (t *Table) deleteExpiredLocked() ([]Entry, error) {
	removed, err := t.store.DeleteExpired()
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	t.expireLocked(removed)
	return removed, nil
}

// expireLocked releases the ports of entries already deleted from the store.
func (t *Table) expireLocked(removed []Entry) {
	for _, e := range removed {
		t.allocator.Release(e.ExternalIP, e.ExternalPort)
		if t.active > 0 {
			t.active--
		}
		t.totalExpired++
		t.events.Log(events.EntryExpired, EntryEvent{Entry: e, OldTTL: e.TTL})
	}
}

// Maintain runs one maintenance tick: decrement and sweep, ordered by mode.
// Both steps are computed from one scan and committed in one store batch, so
// a failed tick leaves the table untouched. It returns the entries removed by
// the sweep.
func (t *Table) Maintain(mode ExpiryMode) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.store.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan table: %w", err)
	}

	var (
		changed []Entry
		removed []Entry
		deletes []Key
	)
	for _, e := range entries {
		if mode != ExpiryImmediate && e.TTL <= 0 {
			removed = append(removed, e)
			continue
		}
		if e.TTL > 0 {
			e.TTL--
		}
		if mode == ExpiryImmediate && e.TTL <= 0 {
			removed = append(removed, e)
			continue
		}
		changed = append(changed, e)
	}
	for _, e := range removed {
		deletes = append(deletes, e.Key)
	}
	if len(changed) == 0 && len(deletes) == 0 {
		return nil, nil
	}

	if err := t.store.Apply(changed, deletes); err != nil {
		return nil, fmt.Errorf("failed to apply maintenance: %w", err)
	}
	t.expireLocked(removed)
	return removed, nil
}

// GetAllEntries returns a snapshot of all entries in creation order,
// including those at TTL 0 that await the next sweep.
func (t *Table) GetAllEntries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.store.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan table: %w", err)
	}
	return entries, nil
}

// Reset empties the table.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Reset(); err != nil {
		return fmt.Errorf("failed to reset table: %w", err)
	}
	t.allocator.Reset()
	t.nextSeq = 0
	t.active = 0
	return nil
}

// Count returns the number of entries in the table.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int(t.active)
}

// Stats returns table statistics.
func (t *Table) Stats() (active, created, expired uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active, t.totalCreated, t.totalExpired
}
