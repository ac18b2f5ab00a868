// Package partition implements the storage actor of subdb: an independently
// locked container of many sub-databases, addressed by inner key.
//
// # Overview
//
// A partition owns two tables:
//
//	┌──────────────────────────────────────────┐
//	│               PARTITION                   │
//	├──────────────────────────────────────────┤
//	│  subDBs     innerKey → *subdb.SubDB       │
//	│  locations  outerKey → InnerRef           │
//	│  nextInnerKey (monotonic, never reused)   │
//	│  owners     auth.Guard                    │
//	└──────────────────────────────────────────┘
//
// The first holds data. The second records where the outer keys issued by
// this partition currently resolve, which may be a sub-database on another
// partition after a migration.
//
// # Calls
//
// Every entry point is listed on the Client interface. Inner-keyed reads
// never fail on a missing key; they report absence. Mutating calls check
// the caller's key material against the owner set before doing anything
// else.
//
// Outer-keyed calls look up the location, release the partition lock and
// relay the inner-keyed call through a Directory:
//
//	GetByOuter(outer, sk)
//	    │ locations[outer] = {partition B, inner 7}
//	    ▼
//	Directory.Lookup(B).GetByInner(7, sk)
//
// # Overflow
//
// IsOverflowed compares the total entry count and approximate byte size
// against Limits. It depends only on current occupancy, so it turns false
// again once sub-databases move away. Overflow never blocks a write; the
// index reacts to it by migrating sub-databases elsewhere.
//
// # Hosting
//
// A Pool hosts partitions in one process and doubles as their Directory.
// Snapshot, Restore, Save and Load persist partitions through a
// storage.Store.
package partition
