// Package store provides a durable translation store on top of leveldb.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/igjeong/natsim/nat"
)

// DefaultPath is the database location used when none is configured.
const DefaultPath = "nat_table.db"

const (
	keyPrefixEntry byte = 'e'
	keyLen              = 1 + 4 + 2 + 4 + 2
)

// LevelDB implements nat.Store. Every mutation is written as a single
// batch, so a failed write leaves the table untouched.
type LevelDB struct {
	ldb      *leveldb.DB
	location string
}

var _ nat.Store = (*LevelDB)(nil)

// OpenLevelDB opens or creates the database at path, recovering it if the
// files are corrupted.
func OpenLevelDB(path string) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
	})
	if lerrors.IsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open translation store %s: %w", path, err)
	}
	return &LevelDB{ldb: ldb, location: path}, nil
}

// OpenMemory opens a leveldb kept entirely in memory.
func OpenMemory() (*LevelDB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory translation store: %w", err)
	}
	return &LevelDB{ldb: ldb, location: ":memory:"}, nil
}

// Location returns the path the database was opened from.
func (s *LevelDB) Location() string {
	return s.location
}

// record is the stored form of an entry; the key fields live in the
// leveldb key.
type record struct {
	ExternalIP   netip.Addr `json:"external_ip"`
	ExternalPort uint16     `json:"external_port"`
	TTL          int        `json:"ttl"`
	Seq          uint64     `json:"seq"`
}

func encodeKey(k nat.Key) []byte {
	b := make([]byte, keyLen)
	b[0] = keyPrefixEntry
	ip := k.InternalIP.As4()
	copy(b[1:5], ip[:])
	binary.BigEndian.PutUint16(b[5:7], k.InternalPort)
	ip = k.DestIP.As4()
	copy(b[7:11], ip[:])
	binary.BigEndian.PutUint16(b[11:13], k.DestPort)
	return b
}

func decodeKey(b []byte) (nat.Key, error) {
	if len(b) != keyLen || b[0] != keyPrefixEntry {
		return nat.Key{}, fmt.Errorf("malformed entry key %x", b)
	}
	return nat.Key{
		InternalIP:   netip.AddrFrom4([4]byte(b[1:5])),
		InternalPort: binary.BigEndian.Uint16(b[5:7]),
		DestIP:       netip.AddrFrom4([4]byte(b[7:11])),
		DestPort:     binary.BigEndian.Uint16(b[11:13]),
	}, nil
}

func decodeEntry(key, val []byte) (nat.Entry, error) {
	k, err := decodeKey(key)
	if err != nil {
		return nat.Entry{}, err
	}
	var r record
	if err := json.Unmarshal(val, &r); err != nil {
		return nat.Entry{}, fmt.Errorf("malformed entry %s: %w", k, err)
	}
	return nat.Entry{
		Key:          k,
		ExternalIP:   r.ExternalIP,
		ExternalPort: r.ExternalPort,
		TTL:          r.TTL,
		Seq:          r.Seq,
	}, nil
}

func encodeEntry(e nat.Entry) ([]byte, error) {
	return json.Marshal(record{
		ExternalIP:   e.ExternalIP,
		ExternalPort: e.ExternalPort,
		TTL:          e.TTL,
		Seq:          e.Seq,
	})
}

// Fetch returns the entry stored under key.
func (s *LevelDB) Fetch(key nat.Key) (nat.Entry, bool, error) {
	val, err := s.ldb.Get(encodeKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nat.Entry{}, false, nil
	}
	if err != nil {
		return nat.Entry{}, false, err
	}
	e, err := decodeEntry(encodeKey(key), val)
	if err != nil {
		return nat.Entry{}, false, err
	}
	return e, true, nil
}

// Upsert writes entries in one batch.
func (s *LevelDB) Upsert(entries ...nat.Entry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		val, err := encodeEntry(e)
		if err != nil {
			return err
		}
		batch.Put(encodeKey(e.Key), val)
	}
	return s.ldb.Write(batch, nil)
}

// Apply writes upserts and deletes in one batch.
func (s *LevelDB) Apply(upserts []nat.Entry, deletes []nat.Key) error {
	batch := new(leveldb.Batch)
	for _, e := range upserts {
		val, err := encodeEntry(e)
		if err != nil {
			return err
		}
		batch.Put(encodeKey(e.Key), val)
	}
	for _, k := range deletes {
		batch.Delete(encodeKey(k))
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.ldb.Write(batch, nil)
}

// Scan returns every entry ordered by Seq.
func (s *LevelDB) Scan() ([]nat.Entry, error) {
	return s.scan(func(nat.Entry) bool { return true })
}

func (s *LevelDB) scan(match func(nat.Entry) bool) ([]nat.Entry, error) {
	it := s.ldb.NewIterator(util.BytesPrefix([]byte{keyPrefixEntry}), nil)
	defer it.Release()

	var out []nat.Entry
	for it.Next() {
		e, err := decodeEntry(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if match(e) {
			out = append(out, e)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	nat.SortBySeq(out)
	return out, nil
}

// DeleteExpired removes entries with TTL <= 0 in one batch.
func (s *LevelDB) DeleteExpired() ([]nat.Entry, error) {
	expired, err := s.scan(func(e nat.Entry) bool { return e.TTL <= 0 })
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	batch := new(leveldb.Batch)
	for _, e := range expired {
		batch.Delete(encodeKey(e.Key))
	}
	if err := s.ldb.Write(batch, nil); err != nil {
		return nil, err
	}
	return expired, nil
}

// Reset deletes every entry.
func (s *LevelDB) Reset() error {
	it := s.ldb.NewIterator(util.BytesPrefix([]byte{keyPrefixEntry}), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return s.ldb.Write(batch, nil)
}

// Close closes the database.
func (s *LevelDB) Close() error {
	return s.ldb.Close()
}
