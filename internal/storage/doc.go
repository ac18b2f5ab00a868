// Package storage persists msgpack snapshots of partitions and of the index.
//
// A Store is a flat namespace of named blobs. Two implementations exist:
//
//	MemoryStore  map-backed, used by tests and by processes without a data dir
//	BoltStore    a single bbolt bucket in <data-dir>/snapshots.db
//
// Save and Load wrap any Store with msgpack encoding, so callers hand over
// their snapshot structs directly:
//
//	if err := storage.Save(st, "partition/"+id, snap); err != nil { ... }
//
// Snapshots are written whole. There is no write-ahead log; a process that
// crashes between snapshots loses the writes made since the last one.
package storage
