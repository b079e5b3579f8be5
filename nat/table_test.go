package nat

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/igjeong/natsim/events"
)

var testExternalIP = netip.MustParseAddr("203.0.113.1")

// addrComparer lets cmp look inside entries; netip.Addr has no Equal method.
var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func testKey(intPort uint16) Key {
	return Key{
		InternalIP:   netip.MustParseAddr("192.168.10.100"),
		InternalPort: intPort,
		DestIP:       netip.MustParseAddr("8.8.8.8"),
		DestPort:     53,
	}
}

func newTestTable(t *testing.T, opts ...TableOption) *Table {
	t.Helper()
	table, err := NewTable(NewMemoryStore(), opts...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestTableCreate(t *testing.T) {
	table := newTestTable(t)

	entry, created, err := table.GetOrCreate(testKey(54321), testExternalIP, 30)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if entry.TTL != 30 {
		t.Errorf("TTL = %d, want 30", entry.TTL)
	}
	if entry.ExternalPort != 1024 {
		t.Errorf("ExternalPort = %d, want 1024", entry.ExternalPort)
	}
	if entry.ExternalIP != testExternalIP {
		t.Errorf("ExternalIP = %v, want %v", entry.ExternalIP, testExternalIP)
	}
	if entry.Key != testKey(54321) {
		t.Errorf("Key = %v, want %v", entry.Key, testKey(54321))
	}
}

func TestTableSecondKeyGetsNextPort(t *testing.T) {
	table := newTestTable(t)

	k1, _, _ := table.GetOrCreate(testKey(50000), testExternalIP, 30)
	k2, _, _ := table.GetOrCreate(testKey(50001), testExternalIP, 30)

	if k1.ExternalPort != 1024 {
		t.Errorf("K1.ExternalPort = %d, want 1024", k1.ExternalPort)
	}
	if k2.ExternalPort != 1025 {
		t.Errorf("K2.ExternalPort = %d, want 1025", k2.ExternalPort)
	}
}

func TestTableRefreshKeepsMapping(t *testing.T) {
	table := newTestTable(t)
	key := testKey(54321)

	first, _, err := table.GetOrCreate(key, testExternalIP, 30)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := table.DecrementTTL(); err != nil {
			t.Fatalf("DecrementTTL failed: %v", err)
		}
	}

	refreshed, created, err := table.GetOrCreate(key, testExternalIP, 30)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if created {
		t.Error("refresh reported created = true")
	}
	if diff := cmp.Diff(first, refreshed, addrComparer); diff != "" {
		t.Errorf("refresh changed entry (-first +refreshed):\n%s", diff)
	}
	if table.Count() != 1 {
		t.Errorf("Count = %d, want 1", table.Count())
	}
}

func TestTableRefreshIsIdempotent(t *testing.T) {
	table := newTestTable(t)
	key := testKey(54321)

	a, _, _ := table.GetOrCreate(key, testExternalIP, 30)
	b, _, _ := table.GetOrCreate(key, testExternalIP, 30)

	if a.TTL != 30 || b.TTL != 30 {
		t.Errorf("TTLs = %d, %d, want 30, 30", a.TTL, b.TTL)
	}
	if a.ExternalPort != b.ExternalPort {
		t.Errorf("ExternalPort changed: %d vs %d", a.ExternalPort, b.ExternalPort)
	}
}

func TestTableDecrement(t *testing.T) {
	table := newTestTable(t)
	key := testKey(54321)
	table.GetOrCreate(key, testExternalIP, 30)

	for i := 0; i < 7; i++ {
		table.DecrementTTL()
	}

	entry, ok, err := table.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, want entry", ok, err)
	}
	if entry.TTL != 23 {
		t.Errorf("TTL = %d, want 23", entry.TTL)
	}
}

func TestTableDecrementStopsAtZero(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(54321), testExternalIP, 2)

	for i := 0; i < 5; i++ {
		table.DecrementTTL()
	}

	entries, _ := table.GetAllEntries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].TTL != 0 {
		t.Errorf("TTL = %d, want 0", entries[0].TTL)
	}
}

func TestTableExpiryScenario(t *testing.T) {
	table := newTestTable(t)
	key := testKey(54321)

	entry, _, _ := table.GetOrCreate(key, testExternalIP, 30)
	if entry.TTL != 30 || entry.ExternalPort != 1024 {
		t.Fatalf("entry = %v, want TTL 30 on port 1024", entry)
	}

	for i := 0; i < 30; i++ {
		if err := table.DecrementTTL(); err != nil {
			t.Fatalf("DecrementTTL failed: %v", err)
		}
	}

	if _, ok, _ := table.Get(key); ok {
		t.Error("Get should not observe an entry at TTL 0")
	}
	entries, _ := table.GetAllEntries()
	if len(entries) != 1 || entries[0].TTL != 0 {
		t.Fatalf("entries = %v, want one entry at TTL 0", entries)
	}

	removed, err := table.DeleteExpiredEntries()
	if err != nil {
		t.Fatalf("DeleteExpiredEntries failed: %v", err)
	}
	if len(removed) != 1 || removed[0].Key != key {
		t.Fatalf("removed = %v, want K1", removed)
	}
	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0", table.Count())
	}
}

func TestTableDeleteExpiredLeavesLiveEntries(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(1), testExternalIP, 1)
	table.GetOrCreate(testKey(2), testExternalIP, 5)
	table.GetOrCreate(testKey(3), testExternalIP, 1)
	table.DecrementTTL()

	removed, err := table.DeleteExpiredEntries()
	if err != nil {
		t.Fatalf("DeleteExpiredEntries failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d entries, want 2", len(removed))
	}
	if removed[0].Key != testKey(1) || removed[1].Key != testKey(3) {
		t.Errorf("removed keys = %v, %v", removed[0].Key, removed[1].Key)
	}

	entries, _ := table.GetAllEntries()
	if len(entries) != 1 || entries[0].Key != testKey(2) || entries[0].TTL != 4 {
		t.Errorf("entries = %v, want only key 2 at TTL 4", entries)
	}
}

func TestTableUniqueExternalPorts(t *testing.T) {
	table := newTestTable(t)
	seen := make(map[netip.AddrPort]Key)

	for i := 0; i < 200; i++ {
		key := testKey(uint16(49152 + i))
		entry, _, err := table.GetOrCreate(key, testExternalIP, 30)
		if err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
		if other, dup := seen[entry.External()]; dup {
			t.Fatalf("%v assigned to both %v and %v", entry.External(), other, key)
		}
		seen[entry.External()] = key
	}
}

func TestTableInsertionOrder(t *testing.T) {
	table := newTestTable(t)
	for _, p := range []uint16{600, 100, 300} {
		table.GetOrCreate(testKey(p), testExternalIP, 30)
	}

	entries, _ := table.GetAllEntries()
	var got []uint16
	for _, e := range entries {
		got = append(got, e.InternalPort)
	}
	if diff := cmp.Diff([]uint16{600, 100, 300}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestTableDeadEntryReplaced(t *testing.T) {
	table := newTestTable(t, WithAllocator(NewPoolAllocator(DefaultPortFloor)))
	key := testKey(54321)
	table.GetOrCreate(testKey(1), testExternalIP, 30)
	table.GetOrCreate(key, testExternalIP, 1)
	table.DecrementTTL()

	entry, created, err := table.GetOrCreate(key, testExternalIP, 30)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created {
		t.Error("dead entry should be replaced, not refreshed")
	}
	if entry.TTL != 30 {
		t.Errorf("TTL = %d, want 30", entry.TTL)
	}
	if table.Count() != 2 {
		t.Errorf("Count = %d, want 2", table.Count())
	}
}

func TestTableMaintainDeferred(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(1), testExternalIP, 1)

	removed, err := table.Maintain(ExpiryDeferred)
	if err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("first tick removed %d entries, want 0", len(removed))
	}
	entries, _ := table.GetAllEntries()
	if len(entries) != 1 || entries[0].TTL != 0 {
		t.Fatalf("entries = %v, want one entry at TTL 0", entries)
	}

	removed, _ = table.Maintain(ExpiryDeferred)
	if len(removed) != 1 {
		t.Errorf("second tick removed %d entries, want 1", len(removed))
	}
}

func TestTableMaintainImmediate(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(1), testExternalIP, 1)

	removed, err := table.Maintain(ExpiryImmediate)
	if err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if len(removed) != 1 {
		t.Errorf("removed %d entries, want 1", len(removed))
	}
	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0", table.Count())
	}
}

func TestTableMonotonicPortsAfterExpiry(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(1), testExternalIP, 1)  // 1024
	table.GetOrCreate(testKey(2), testExternalIP, 30) // 1025
	table.Maintain(ExpiryImmediate)

	entry, _, _ := table.GetOrCreate(testKey(3), testExternalIP, 30)
	if entry.ExternalPort != 1026 {
		t.Errorf("ExternalPort = %d, want 1026 (freed 1024 below high-water mark)", entry.ExternalPort)
	}
}

func TestTableAllocationExhausted(t *testing.T) {
	table := newTestTable(t, WithAllocator(NewMonotonicAllocator(MaxPort)))

	if _, _, err := table.GetOrCreate(testKey(1), testExternalIP, 30); err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	_, _, err := table.GetOrCreate(testKey(2), testExternalIP, 30)
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("err = %v, want ErrAllocationExhausted", err)
	}
	if table.Count() != 1 {
		t.Errorf("Count = %d, want 1", table.Count())
	}
}

func TestTableRejectsInvalidInput(t *testing.T) {
	table := newTestTable(t)

	if _, _, err := table.GetOrCreate(testKey(1), testExternalIP, 0); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("err = %v, want ErrInvalidTTL", err)
	}

	key := testKey(1)
	key.DestIP = netip.MustParseAddr("2001:db8::1")
	if _, _, err := table.GetOrCreate(key, testExternalIP, 30); !errors.Is(err, ErrInvalidAddressFormat) {
		t.Errorf("err = %v, want ErrInvalidAddressFormat", err)
	}
	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0", table.Count())
	}
}

func TestTableLoadsExistingEntries(t *testing.T) {
	store := NewMemoryStore()
	first, _ := NewTable(store)
	first.GetOrCreate(testKey(1), testExternalIP, 30)
	first.GetOrCreate(testKey(2), testExternalIP, 30)

	second, err := NewTable(store)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if second.Count() != 2 {
		t.Errorf("Count = %d, want 2", second.Count())
	}
	entry, _, _ := second.GetOrCreate(testKey(3), testExternalIP, 30)
	if entry.ExternalPort != 1026 {
		t.Errorf("ExternalPort = %d, want 1026", entry.ExternalPort)
	}
	if entry.Seq != 3 {
		t.Errorf("Seq = %d, want 3", entry.Seq)
	}
}

func TestTableReset(t *testing.T) {
	table := newTestTable(t)
	table.GetOrCreate(testKey(1), testExternalIP, 30)
	table.GetOrCreate(testKey(2), testExternalIP, 30)

	if err := table.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0", table.Count())
	}
	entry, _, _ := table.GetOrCreate(testKey(3), testExternalIP, 30)
	if entry.ExternalPort != 1024 {
		t.Errorf("ExternalPort = %d, want 1024 after reset", entry.ExternalPort)
	}
}

func TestTableEvents(t *testing.T) {
	log := events.NewLogger(16, events.AllEvents)
	table := newTestTable(t, WithEvents(log))

	table.GetOrCreate(testKey(1), testExternalIP, 1)
	table.GetOrCreate(testKey(1), testExternalIP, 1)
	table.Maintain(ExpiryImmediate)

	recent := log.Recent()
	want := []events.EventType{events.EntryCreated, events.EntryRefreshed, events.EntryExpired}
	if len(recent) != len(want) {
		t.Fatalf("got %d events, want %d", len(recent), len(want))
	}
	for i, e := range recent {
		if e.Type != want[i] {
			t.Errorf("event %d = %v, want %v", i, e.Type, want[i])
		}
	}
	ev, ok := recent[0].Data.(EntryEvent)
	if !ok || ev.NewTTL != 1 || ev.Entry.ExternalPort != 1024 {
		t.Errorf("created event data = %+v", recent[0].Data)
	}
}

type failingStore struct {
	*MemoryStore
	failWrite bool
	failScan  bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Upsert(entries ...Entry) error {
	if s.failWrite {
		return errStoreDown
	}
	return s.MemoryStore.Upsert(entries...)
}

func (s *failingStore) Apply(upserts []Entry, deletes []Key) error {
	if s.failWrite {
		return errStoreDown
	}
	return s.MemoryStore.Apply(upserts, deletes)
}

func (s *failingStore) Scan() ([]Entry, error) {
	if s.failScan {
		return nil, errStoreDown
	}
	return s.MemoryStore.Scan()
}

func TestTableStorageFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	table, err := NewTable(store)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	table.GetOrCreate(testKey(1), testExternalIP, 30)

	store.failWrite = true
	if err := table.DecrementTTL(); !errors.Is(err, errStoreDown) {
		t.Errorf("DecrementTTL err = %v, want errStoreDown", err)
	}
	if _, _, err := table.GetOrCreate(testKey(2), testExternalIP, 30); !errors.Is(err, errStoreDown) {
		t.Errorf("GetOrCreate err = %v, want errStoreDown", err)
	}
	store.failWrite = false

	// The failed insert must not leak its port.
	entry, _, _ := table.GetOrCreate(testKey(2), testExternalIP, 30)
	if entry.ExternalPort != 1025 {
		t.Errorf("ExternalPort = %d, want 1025", entry.ExternalPort)
	}
	got, _, _ := table.Get(testKey(1))
	if got.TTL != 30 {
		t.Errorf("TTL = %d, want 30 after failed decrement", got.TTL)
	}

	store.failScan = true
	if _, err := table.Maintain(ExpiryImmediate); !errors.Is(err, errStoreDown) {
		t.Errorf("Maintain err = %v, want errStoreDown", err)
	}
}

func TestTableMaintainFailureLeavesTableUntouched(t *testing.T) {
	for _, mode := range []ExpiryMode{ExpiryDeferred, ExpiryImmediate} {
		t.Run(string(mode), func(t *testing.T) {
			store := &failingStore{MemoryStore: NewMemoryStore()}
			evLogger := events.NewLogger(events.DefaultRecentSize, events.EntryExpired)
			table, err := NewTable(store, WithEvents(evLogger))
			if err != nil {
				t.Fatalf("NewTable failed: %v", err)
			}
			table.GetOrCreate(testKey(1), testExternalIP, 1)
			table.GetOrCreate(testKey(2), testExternalIP, 30)
			// Key 1 sits at TTL 0 waiting for the sweep.
			if err := table.DecrementTTL(); err != nil {
				t.Fatalf("DecrementTTL failed: %v", err)
			}
			before, _ := table.GetAllEntries()

			store.failWrite = true
			removed, err := table.Maintain(mode)
			if !errors.Is(err, errStoreDown) {
				t.Errorf("Maintain err = %v, want errStoreDown", err)
			}
			if len(removed) != 0 {
				t.Errorf("removed = %v, want none", removed)
			}

			after, _ := table.GetAllEntries()
			if diff := cmp.Diff(before, after, addrComparer); diff != "" {
				t.Errorf("failed tick changed the table (-before +after):\n%s", diff)
			}
			if active, _, expired := table.Stats(); active != 2 || expired != 0 {
				t.Errorf("Stats() active=%d expired=%d, want 2 and 0", active, expired)
			}
			if got := len(evLogger.Recent()); got != 0 {
				t.Errorf("got %d expiry events, want 0", got)
			}

			// The retried tick removes key 1 and keeps its port reserved until then.
			store.failWrite = false
			removed, err = table.Maintain(mode)
			if err != nil {
				t.Fatalf("Maintain failed: %v", err)
			}
			if len(removed) != 1 || removed[0].Key != testKey(1) {
				t.Errorf("removed = %v, want key 1", removed)
			}
			got, ok, _ := table.Get(testKey(2))
			if !ok || got.TTL != 28 {
				t.Errorf("key 2 = %+v (found %v), want TTL 28", got, ok)
			}
		})
	}
}

func TestEntryString(t *testing.T) {
	entry := Entry{
		Key:          testKey(54321),
		ExternalIP:   testExternalIP,
		ExternalPort: 1024,
		TTL:          30,
	}

	want := "192.168.10.100:54321 -> 8.8.8.8:53 (External: 203.0.113.1:1024) (TTL: 30)"
	if got := entry.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
