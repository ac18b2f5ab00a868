// Package coordinator implements the control plane of a subdb cluster: it
// knows which nodes exist, which node hosts each partition, and whether
// each node is currently reachable.
//
// # Overview
//
// The coordinator process owns the index. Partitions live on nodes; the
// coordinator decides where new partitions go and answers "where is
// partition X" for the index and for nodes relaying outer calls.
//
//	┌──────────────────────────────────────┐
//	│             COORDINATOR               │
//	├──────────────────────────────────────┤
//	│  index.Index                          │
//	│      │ Provision / Lookup             │
//	│      ▼                                │
//	│  ┌────────────────────────────────┐  │
//	│  │ Provisioner                    │  │
//	│  │  - POST {node}/partitions      │  │
//	│  │  - transport.PartitionClient   │  │
//	│  └────────────────────────────────┘  │
//	│      │                                │
//	│      ▼                                │
//	│  ┌────────────────────────────────┐  │
//	│  │ Placement                      │  │
//	│  │  - registered nodes            │  │
//	│  │  - partition → node            │  │
//	│  │  - round-robin candidates      │  │
//	│  └────────────────────────────────┘  │
//	│                                       │
//	│  ┌────────────────────────────────┐  │
//	│  │ HealthMonitor                  │  │
//	│  │  - GET {node}/health           │  │
//	│  │  - unhealthy / recovered hooks │  │
//	│  └────────────────────────────────┘  │
//	└──────────────────────────────────────┘
//
// # Core Components
//
// Placement: registered nodes in registration order and the node of every
// partition. New partitions are offered to nodes round-robin. Its state is
// persisted alongside the index so a restarted coordinator still finds its
// partitions.
//
// Provisioner: implements index.Provisioner over the network. Provision
// asks candidate nodes in turn to host a fresh partition and records the
// node that accepted; Lookup builds a client from the placement.
//
// HealthMonitor: checks every node's /health endpoint on an interval. A
// node that fails three checks in a row is reported unhealthy once; the
// coordinator then marks that node's partitions unavailable so the index
// stops placing new sub-databases there. A later passing check reports the
// node as recovered.
//
// # Failure Handling
//
// A node that refuses or cannot take a partition is skipped and the next
// candidate is tried. When every candidate fails, Provision returns
// dberr.ErrPartitionUnavailable carrying each node's error.
//
// Unhealthy nodes keep their partitions. Reads and writes to those
// partitions fail with dberr.ErrPartitionUnavailable until the node
// recovers; nothing is moved off them automatically.
//
// # Concurrency
//
// Placement and HealthMonitor are safe for concurrent use. Health callbacks
// run on the monitor goroutine without its lock held, so they may call back
// into the monitor.
package coordinator
