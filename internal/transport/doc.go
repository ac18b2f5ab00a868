// Package transport carries partition calls between processes.
//
// A node serves its partition.Pool with Handler. Other processes reach
// those partitions through PartitionClient, which implements
// partition.Client by posting one msgpack envelope per call:
//
//	index / remote partition
//	        │
//	        ▼  POST {node}/p/{id}/rpc/{method}
//	  PartitionClient ───────────────▶ Handler ──▶ *partition.Partition
//
// Directory finds the node for a partition identity by asking the
// coordinator and caches the answer.
//
// A call that reaches its partition is answered with 200 and carries any
// partition error in the body, keyed by its dberr code. Non-2xx answers mean
// the call never reached a partition (unknown partition, undecodable body)
// and come back through cluster.Relay as errors.
package transport
