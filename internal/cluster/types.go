package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PartitionID identifies a storage partition. It is minted once, when the
// partition is provisioned, and never reused.
type PartitionID string

// NewPartitionID mints a fresh partition identity.
func NewPartitionID() PartitionID {
	return PartitionID(uuid.NewString())
}

// InnerKey identifies a sub-database within its partition.
type InnerKey uint64

// OuterKey identifies a sub-database to external callers. Outer keys are
// minted by the index and never change.
type OuterKey uint64

// InnerRef locates a sub-database physically. It changes only when the index
// migrates the sub-database.
type InnerRef struct {
	Key       InnerKey    `msgpack:"key"`
	Partition PartitionID `msgpack:"partition"`
}

// String renders r as "partition/key".
func (r InnerRef) String() string {
	return fmt.Sprintf("%s/%d", r.Partition, r.Key)
}

// OuterRef is the stable, caller-visible reference to a sub-database.
type OuterRef struct {
	Key       OuterKey    `msgpack:"key"`
	Partition PartitionID `msgpack:"partition"`
}

// String renders r as "partition/key"; ParseOuterRef reverses it.
func (r OuterRef) String() string {
	return fmt.Sprintf("%s/%d", r.Partition, r.Key)
}

// ParseOuterRef parses the "partition/key" form produced by String.
func ParseOuterRef(s string) (OuterRef, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return OuterRef{}, fmt.Errorf("invalid outer reference %q", s)
	}
	k, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return OuterRef{}, fmt.Errorf("invalid outer reference %q: %w", s, err)
	}
	return OuterRef{Key: OuterKey(k), Partition: PartitionID(s[:i])}, nil
}

// Location pairs an outer key with the sub-database it currently resolves to.
type Location struct {
	Outer OuterKey `msgpack:"outer"`
	Inner InnerRef `msgpack:"inner"`
}

// Refs is the pair returned when a sub-database is created.
type Refs struct {
	Outer OuterRef `msgpack:"outer"`
	Inner InnerRef `msgpack:"inner"`
}

// NodeInfo describes a partition host registered with the coordinator.
type NodeInfo struct {
	ID   string `msgpack:"id"`
	Addr string `msgpack:"addr"`
}

// RegisterRequest is the body of a node's POST /register.
type RegisterRequest struct {
	Node NodeInfo `msgpack:"node"`
}

// CreatePartitionRequest asks a node to host a new partition.
type CreatePartitionRequest struct {
	ID     PartitionID `msgpack:"id"`
	Owners []string    `msgpack:"owners"`
}

// CreatePartitionResponse names the partition a node now hosts.
type CreatePartitionResponse struct {
	ID PartitionID `msgpack:"id"`
}

// PartitionAddr answers the coordinator's directory lookup.
type PartitionAddr struct {
	ID     PartitionID `msgpack:"id"`
	NodeID string      `msgpack:"nodeId"`
	Addr   string      `msgpack:"addr"`
}
