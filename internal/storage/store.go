package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/subdb/internal/dberr"
)

// ErrKeyNotFound is returned when no snapshot is stored under a name.
var ErrKeyNotFound = errors.WithMessage(dberr.ErrNotFound, "snapshot")

// Store persists named snapshot blobs.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrKeyNotFound if nothing is stored under key.
	Get(key string) ([]byte, error)

	// Put overwrites any existing value for key.
	Put(key string, value []byte) error

	// Delete is a no-op for a missing key.
	Delete(key string) error

	// List returns every key in ascending order.
	List() ([]string, error)

	Stats() StoreStats

	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `msgpack:"keys"`
	Bytes int `msgpack:"bytes"`
}

// Save msgpack-encodes v and stores it under key.
func Save(s Store, key string, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode snapshot %q", key)
	}
	return s.Put(key, b)
}

// Load decodes the snapshot stored under key into v.
func Load(s Store, key string, v any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "decode snapshot %q", key)
	}
	return nil
}

// MemoryStore keeps snapshots in a map. Values are copied on the way in
// and out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return append([]byte(nil), value...), nil
}

// Put stores a value
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns all keys in sorted order
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns store statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}
	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
