// Package cluster holds the identities, references and relay shared by every
// actor in a subdb deployment.
//
// # Overview
//
// A deployment has one coordinator, which runs the index, and any number of
// nodes, each hosting one or more storage partitions. Actors never share
// memory; every interaction between them is a request/response call through
// the Relay defined here.
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │   (index)    │
//	              └──────┬───────┘
//	                     │ relay (HTTP + msgpack)
//	      ┌──────────────┼──────────────┐
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Node 1   │  │  Node 2   │  │  Node 3   │
//	│ p-a, p-b  │  │ p-c       │  │ p-d, p-e  │
//	└───────────┘  └───────────┘  └───────────┘
//
// # References
//
// OuterRef is what callers keep: an outer key plus the partition that issued
// it. It never changes. InnerRef is where the data lives right now: an inner
// key plus the partition holding the sub-database. The index maps one to the
// other and rewrites the mapping when it migrates a sub-database.
//
// # Relay
//
// Bodies are msgpack. A failed call returns an ErrorResponse carrying a
// dberr code, which the caller turns back into the matching sentinel error.
// Connection failures and bodiless 5xx responses are retried with
// exponential backoff; once the budget is spent the call fails with
// dberr.ErrPartitionUnavailable.
package cluster
