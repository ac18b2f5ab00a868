package storage

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltOptions tunes the bbolt file behind a BoltStore.
type BoltOptions struct {
	// IsTesting trades durability for speed.
	IsTesting bool
	MmapSize  int
}

// BoltStore keeps snapshots in a single bbolt bucket.
type BoltStore struct {
	bdb *bbolt.DB
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string, opt BoltOptions) (*BoltStore, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1 << 20
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0o600, &bopt)
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot store %s", path)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, errors.Wrap(err, "create snapshot bucket")
	}
	return &BoltStore{bdb: bdb}, nil
}

// Get returns a copy of the snapshot stored under key.
func (b *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.bdb.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(key))
		if v == nil {
			return errors.Wrap(ErrKeyNotFound, key)
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put stores value under key in one write transaction.
func (b *BoltStore) Put(key string, value []byte) error {
	return b.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), value)
	})
}

// Delete removes key. Deleting an absent key succeeds.
func (b *BoltStore) Delete(key string) error {
	return b.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(key))
	})
}

// List returns every key in byte order.
func (b *BoltStore) List() ([]string, error) {
	var keys []string
	err := b.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if keys == nil {
		keys = []string{}
	}
	return keys, err
}

// Stats counts keys and value bytes with a full bucket scan.
func (b *BoltStore) Stats() StoreStats {
	var st StoreStats
	_ = b.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(_, v []byte) error {
			st.Keys++
			st.Bytes += len(v)
			return nil
		})
	})
	return st
}

// Close closes the bbolt file.
func (b *BoltStore) Close() error {
	return b.bdb.Close()
}
