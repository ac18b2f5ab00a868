// Package subdb implements the sub-database: an ordered table from secondary
// key to AttributeValue with an opaque user-data blob and an optional hard
// capacity. A sub-database is the unit of storage and of migration.
//
// SubDB is not safe for concurrent use. It is always owned by exactly one
// partition, which serializes access to it.
package subdb

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/value"
)

const btreeDegree = 32

// Entry is one (secondary key, value) pair.
type Entry struct {
	Key   string      `msgpack:"k"`
	Value value.Value `msgpack:"v"`
}

func entryLess(a, b Entry) bool { return a.Key < b.Key }

// HardCap returns a pointer to n, for use as an optional capacity.
func HardCap(n int) *int { return &n }

// SubDB is a bounded ordered table.
type SubDB struct {
	entries  *btree.BTreeG[Entry]
	userData string
	hardCap  *int
	bytes    int
}

// New creates an empty sub-database. A nil hardCap means unbounded.
func New(userData string, hardCap *int) *SubDB {
	return &SubDB{
		entries:  btree.NewG(btreeDegree, entryLess),
		userData: userData,
		hardCap:  copyCap(hardCap),
		bytes:    len(userData),
	}
}

func copyCap(c *int) *int {
	if c == nil {
		return nil
	}
	n := *c
	return &n
}

// Get returns the value stored under sk.
func (s *SubDB) Get(sk string) (value.Value, bool) {
	e, ok := s.entries.Get(Entry{Key: sk})
	return e.Value, ok
}

// Has reports whether sk is present.
func (s *SubDB) Has(sk string) bool {
	return s.entries.Has(Entry{Key: sk})
}

// Insert stores v under sk. Overwriting an existing key never counts against
// the capacity; inserting a new key into a full table fails with
// dberr.ErrCapacityExceeded and leaves the table unchanged.
func (s *SubDB) Insert(sk string, v value.Value) error {
	if !v.IsValid() {
		return errors.Wrapf(dberr.ErrMalformedValue, "insert %q", sk)
	}
	old, exists := s.entries.Get(Entry{Key: sk})
	if !exists && s.hardCap != nil && s.entries.Len() >= *s.hardCap {
		return errors.Wrapf(dberr.ErrCapacityExceeded, "insert %q: %d entries, cap %d", sk, s.entries.Len(), *s.hardCap)
	}
	s.entries.ReplaceOrInsert(Entry{Key: sk, Value: v})
	if exists {
		s.bytes -= entrySize(old)
	}
	s.bytes += entrySize(Entry{Key: sk, Value: v})
	return nil
}

// Delete removes sk. Deleting an absent key is a no-op.
func (s *SubDB) Delete(sk string) {
	if old, ok := s.entries.Delete(Entry{Key: sk}); ok {
		s.bytes -= entrySize(old)
	}
}

// Size returns the number of entries.
func (s *SubDB) Size() int { return s.entries.Len() }

// Bytes approximates the memory held by the table, user data included.
func (s *SubDB) Bytes() int { return s.bytes }

// UserData returns the opaque string set at creation.
func (s *SubDB) UserData() string { return s.userData }

// SetUserData replaces the user data and adjusts the byte count.
func (s *SubDB) SetUserData(userData string) {
	s.bytes += len(userData) - len(s.userData)
	s.userData = userData
}

// Cap returns the hard capacity, or nil if unbounded.
func (s *SubDB) Cap() *int { return copyCap(s.hardCap) }

// SetHardCap replaces the capacity. Existing entries are never evicted, even
// when the new capacity is below the current size.
func (s *SubDB) SetHardCap(hardCap *int) { s.hardCap = copyCap(hardCap) }

func entrySize(e Entry) int { return len(e.Key) + e.Value.Size() }

// RawSubDB is the bulk form of a sub-database used by migration.
type RawSubDB struct {
	Entries  []Entry `msgpack:"entries"`
	UserData string  `msgpack:"userData"`
	HardCap  *int    `msgpack:"hardCap,omitempty"`
}

// Export returns the full content in ascending key order.
func (s *SubDB) Export() RawSubDB {
	raw := RawSubDB{
		Entries:  make([]Entry, 0, s.entries.Len()),
		UserData: s.userData,
		HardCap:  copyCap(s.hardCap),
	}
	s.entries.Ascend(func(e Entry) bool {
		raw.Entries = append(raw.Entries, e)
		return true
	})
	return raw
}

// Footprint is the entries and bytes raw occupies once imported.
func (r RawSubDB) Footprint() (entries, bytes int) {
	bytes = len(r.UserData)
	for _, e := range r.Entries {
		bytes += entrySize(e)
	}
	return len(r.Entries), bytes
}

// FromRaw rebuilds a sub-database from its exported form. The capacity is
// not enforced against the imported entries.
func FromRaw(raw RawSubDB) *SubDB {
	s := New(raw.UserData, raw.HardCap)
	for _, e := range raw.Entries {
		if old, ok := s.entries.ReplaceOrInsert(e); ok {
			s.bytes -= entrySize(old)
		}
		s.bytes += entrySize(e)
	}
	return s
}
