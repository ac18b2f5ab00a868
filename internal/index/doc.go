// Package index implements the registry actor of subdb.
//
// The index hands out outer references that never change and resolves them
// to inner references that do:
//
//	caller ──OuterRef──▶ Index ──resolve──▶ InnerRef ──relay──▶ Partition
//
// It decides where new sub-databases go, provisions partitions when every
// existing one is overflowed, and migrates a sub-database off its partition
// when a write leaves that partition overflowed.
//
// # Writes and overflow
//
// A write is committed on the partition first. If the partition reports
// overflow, the index migrates the sub-database before returning. If the
// migration fails the write still succeeds, the source stays authoritative,
// and the next insert to the same outer key tries again. Inserts are
// therefore safe to repeat.
//
// # Concurrency
//
// Mutating calls on one outer key queue on a per-key latch. While a
// migration holds the latch, other mutating calls on that key fail with
// dberr.ErrBusy. Reads take no latch. A read that races a migration is
// retried once against the new location.
//
// # Persistence
//
// Snapshot and Restore (or Save and Load with a storage.Store) carry the
// counters, the registry, the partition list, the owner set and the items
// stream.
package index
