package coordinator

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
)

// Assignment records which node hosts a partition.
type Assignment struct {
	PartitionID cluster.PartitionID `msgpack:"partition"`
	NodeID      string              `msgpack:"node"`
}

// Placement tracks the registered nodes and which node hosts each
// partition. It is the coordinator's answer to "where does partition X
// live", both for the index and for nodes relaying outer calls.
//
// Nodes are kept in registration order. New partitions are spread over the
// nodes round-robin, starting after the node that received the previous
// one.
//
// Thread-safe: All methods are safe for concurrent access.
type Placement struct {
	mu          sync.RWMutex
	nodes       []cluster.NodeInfo
	assignments map[cluster.PartitionID]string
	next        int
}

// NewPlacement creates an empty placement table.
func NewPlacement() *Placement {
	return &Placement{assignments: make(map[cluster.PartitionID]string)}
}

// Register adds a node or updates the address of a known one. It reports
// whether the node was new.
func (p *Placement) Register(node cluster.NodeInfo) (bool, error) {
	if node.ID == "" || node.Addr == "" {
		return false, errors.New("node id and address are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if i >= 0 {
		p.nodes[i] = node
		return false, nil
	}
	p.nodes = append(p.nodes, node)
	return true, nil
}

// Nodes returns the registered nodes in registration order.
func (p *Placement) Nodes() []cluster.NodeInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.nodes)
}

// Node returns the registered node with the given id.
func (p *Placement) Node(id string) (cluster.NodeInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := slices.IndexFunc(p.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if i < 0 {
		return cluster.NodeInfo{}, false
	}
	return p.nodes[i], true
}

// Assign records that nodeID hosts partition id. The node must be
// registered.
func (p *Placement) Assign(id cluster.PartitionID, nodeID string) error {
	if id == "" {
		return errors.New("partition id cannot be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.ContainsFunc(p.nodes, func(n cluster.NodeInfo) bool { return n.ID == nodeID }) {
		return errors.Errorf("node %q is not registered", nodeID)
	}
	p.assignments[id] = nodeID
	return nil
}

// Remove forgets the assignment of id.
func (p *Placement) Remove(id cluster.PartitionID) {
	p.mu.Lock()
	delete(p.assignments, id)
	p.mu.Unlock()
}

// Lookup returns the address of the node hosting id.
func (p *Placement) Lookup(id cluster.PartitionID) (cluster.PartitionAddr, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodeID, ok := p.assignments[id]
	if !ok {
		return cluster.PartitionAddr{}, errors.Wrapf(dberr.ErrNotFound, "partition %s is not placed", id)
	}
	i := slices.IndexFunc(p.nodes, func(n cluster.NodeInfo) bool { return n.ID == nodeID })
	if i < 0 {
		return cluster.PartitionAddr{}, errors.Wrapf(dberr.ErrPartitionUnavailable, "node %s of partition %s is not registered", nodeID, id)
	}
	return cluster.PartitionAddr{ID: id, NodeID: nodeID, Addr: p.nodes[i].Addr}, nil
}

// PartitionsOn lists the partitions hosted by nodeID in sorted order.
func (p *Placement) PartitionsOn(nodeID string) []cluster.PartitionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []cluster.PartitionID
	for id, n := range p.assignments {
		if n == nodeID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// All returns every assignment ordered by partition id.
func (p *Placement) All() []Assignment {
	p.mu.RLock()
	out := make([]Assignment, 0, len(p.assignments))
	for id, n := range p.assignments {
		out = append(out, Assignment{PartitionID: id, NodeID: n})
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID < out[j].PartitionID })
	return out
}

// Candidates returns the nodes to try for a new partition, in round-robin
// order, leaving out nodes for which skip returns true. Each call advances
// the starting point by one.
func (p *Placement) Candidates(skip func(nodeID string) bool) []cluster.NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.nodes)
	if n == 0 {
		return nil
	}
	start := p.next % n
	p.next = (start + 1) % n

	out := make([]cluster.NodeInfo, 0, n)
	for i := 0; i < n; i++ {
		node := p.nodes[(start+i)%n]
		if skip != nil && skip(node.ID) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// PlacementState is the persisted form of a Placement.
type PlacementState struct {
	Nodes       []cluster.NodeInfo `msgpack:"nodes"`
	Assignments []Assignment       `msgpack:"assignments"`
}

// Snapshot captures nodes and assignments for RestorePlacement.
func (p *Placement) Snapshot() PlacementState {
	return PlacementState{Nodes: p.Nodes(), Assignments: p.All()}
}

// RestorePlacement rebuilds a placement table from st.
func RestorePlacement(st PlacementState) *Placement {
	p := NewPlacement()
	p.nodes = slices.Clone(st.Nodes)
	for _, a := range st.Assignments {
		p.assignments[a.PartitionID] = a.NodeID
	}
	return p
}
