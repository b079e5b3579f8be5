package nat

import (
	"sort"
	"sync"
)

// Store persists translation entries. Implementations must apply each
// Upsert and Apply batch atomically: either every change is written or none
// is.
type Store interface {
	Fetch(key Key) (Entry, bool, error)
	Upsert(entries ...Entry) error
	// Apply writes upserts and removes deletes in one batch.
	Apply(upserts []Entry, deletes []Key) error
	// Scan returns every entry ordered by Seq.
	Scan() ([]Entry, error)
	// DeleteExpired removes entries with TTL <= 0 and returns them ordered by Seq.
	DeleteExpired() ([]Entry, error)
	Reset() error
	Close() error
}

// SortBySeq orders entries by creation sequence.
func SortBySeq(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	entries map[Key]Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]Entry),
	}
}

// Fetch returns the entry stored under key.
func (s *MemoryStore) Fetch(key Key) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return e, ok, nil
}

// Upsert inserts or replaces entries by key.
func (s *MemoryStore) Upsert(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.entries[e.Key] = e
	}
	return nil
}

// Apply writes upserts and removes deletes.
func (s *MemoryStore) Apply(upserts []Entry, deletes []Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range upserts {
		s.entries[e.Key] = e
	}
	for _, k := range deletes {
		delete(s.entries, k)
	}
	return nil
}

// Scan returns all entries ordered by Seq.
func (s *MemoryStore) Scan() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	SortBySeq(out)
	return out, nil
}

// DeleteExpired removes entries whose TTL has run out.
func (s *MemoryStore) DeleteExpired() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Entry
	for key, e := range s.entries {
		if e.TTL <= 0 {
			removed = append(removed, e)
			delete(s.entries, key)
		}
	}
	SortBySeq(removed)
	return removed, nil
}

// Reset drops every entry.
func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[Key]Entry)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
