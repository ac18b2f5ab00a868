// Package api defines the coordinator's HTTP API: the msgpack request and
// response bodies and a Client that speaks them.
package api

import (
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/coordinator"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Mutating requests carry the caller's key material in Cred.

// InitRequest is the body of POST /init.
type InitRequest struct {
	// Owners defaults to the configured owners when empty.
	Owners []string `msgpack:"owners"`
}

// OwnersRequest replaces the owner set (POST /owners).
type OwnersRequest struct {
	Cred   []byte   `msgpack:"cred"`
	Owners []string `msgpack:"owners"`
}

// OwnersResponse is the body of GET /owners.
type OwnersResponse struct {
	Owners []string `msgpack:"owners"`
}

// CredRequest carries only key material, for POST /createPartition.
type CredRequest struct {
	Cred []byte `msgpack:"cred"`
}

// CreateSubDBRequest is the body of POST /createSubDB. A nil HardCap
// leaves the sub-database uncapped.
type CreateSubDBRequest struct {
	Cred     []byte `msgpack:"cred"`
	UserData string `msgpack:"userData"`
	HardCap  *int   `msgpack:"hardCap,omitempty"`
}

// KeyRequest addresses a sub-database, or one key in it, by outer
// reference.
type KeyRequest struct {
	Cred []byte           `msgpack:"cred,omitempty"`
	Ref  cluster.OuterRef `msgpack:"ref"`
	SK   string           `msgpack:"sk"`
}

// InsertRequest writes one key. A non-nil HardCap replaces the stored cap.
type InsertRequest struct {
	Cred    []byte           `msgpack:"cred"`
	Ref     cluster.OuterRef `msgpack:"ref"`
	SK      string           `msgpack:"sk"`
	Value   value.Value      `msgpack:"value"`
	HardCap *int             `msgpack:"hardCap,omitempty"`
}

// InsertResponse returns where the sub-database lives after the insert.
type InsertResponse struct {
	Inner cluster.InnerRef `msgpack:"inner"`
}

// GetResponse carries a value when Found.
type GetResponse struct {
	Found bool         `msgpack:"found"`
	Value *value.Value `msgpack:"value,omitempty"`
}

// HasResponse answers /has and /hasSubDB.
type HasResponse struct {
	Found bool `msgpack:"found"`
}

// SizeResponse is the body of POST /size.
type SizeResponse struct {
	Found bool `msgpack:"found"`
	Size  int  `msgpack:"size"`
}

// UserDataResponse is the body of POST /userData.
type UserDataResponse struct {
	Found    bool   `msgpack:"found"`
	UserData string `msgpack:"userData"`
}

// ScanRequest asks for one page of a scan.
type ScanRequest struct {
	Ref     cluster.OuterRef  `msgpack:"ref"`
	Options subdb.ScanOptions `msgpack:"options"`
}

// UpgradeRequest upgrades the partitions at positions [Start, End) of the
// index's partition list.
type UpgradeRequest struct {
	Cred    []byte `msgpack:"cred"`
	Start   int    `msgpack:"start"`
	End     int    `msgpack:"end"`
	Version uint64 `msgpack:"version"`
}

// StreamResponse locates the items stream. Found is false before Init.
type StreamResponse struct {
	Found bool             `msgpack:"found"`
	Order cluster.OuterRef `msgpack:"order"`
	// Reverse maps outer reference text to its key in Order.
	Reverse cluster.OuterRef `msgpack:"reverse"`
}

// NodeStatus is one row of GET /nodes.
type NodeStatus struct {
	ID         string                `msgpack:"id"`
	Addr       string                `msgpack:"addr"`
	Status     string                `msgpack:"status"`
	Partitions []cluster.PartitionID `msgpack:"partitions"`
}

// NodesResponse is the body of GET /nodes.
type NodesResponse struct {
	Nodes []NodeStatus `msgpack:"nodes"`
}

// PartitionsResponse is the body of GET /partitions.
type PartitionsResponse struct {
	// Partitions is the index's partition list; upgrade ranges index into it.
	Partitions  []cluster.PartitionID    `msgpack:"partitions"`
	Placement   []coordinator.Assignment `msgpack:"placement"`
	Unavailable []cluster.PartitionID    `msgpack:"unavailable"`
}
