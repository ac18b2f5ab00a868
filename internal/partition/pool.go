package partition

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/storage"
)

// Pool hosts partitions in one process. It is the Directory for every
// partition it creates, so outer relays between them never leave the
// process. A node serves its Pool over HTTP; tests use it directly.
type Pool struct {
	limits  Limits
	metrics *metrics.Metrics
	remote  Directory

	mu    sync.RWMutex
	parts map[cluster.PartitionID]*Partition
}

// NewPool creates an empty pool whose partitions use limits.
func NewPool(limits Limits, m *metrics.Metrics) *Pool {
	return &Pool{
		limits:  limits,
		metrics: m,
		parts:   make(map[cluster.PartitionID]*Partition),
	}
}

// SetRemote sets the directory consulted for partitions this pool does not
// host.
func (p *Pool) SetRemote(d Directory) {
	p.mu.Lock()
	p.remote = d
	p.mu.Unlock()
}

func (p *Pool) options(owners []auth.Identity) Options {
	return Options{Limits: p.limits, Directory: p, Owners: owners, Metrics: p.metrics}
}

// Create hosts a new partition. An empty id mints one.
func (p *Pool) Create(id cluster.PartitionID, owners []auth.Identity) (*Partition, error) {
	if id == "" {
		id = cluster.NewPartitionID()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.parts[id]; ok {
		return nil, errors.Errorf("partition %s already hosted", id)
	}
	part := New(id, p.options(owners))
	p.parts[id] = part
	return part, nil
}

// Provision creates a partition with a fresh identity.
func (p *Pool) Provision(_ context.Context, owners []auth.Identity) (Client, error) {
	return p.Create("", owners)
}

// Get returns a hosted partition.
func (p *Pool) Get(id cluster.PartitionID) (*Partition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	part, ok := p.parts[id]
	return part, ok
}

// Lookup implements Directory.
func (p *Pool) Lookup(ctx context.Context, id cluster.PartitionID) (Client, error) {
	p.mu.RLock()
	part, ok := p.parts[id]
	remote := p.remote
	p.mu.RUnlock()
	if ok {
		return part, nil
	}
	if remote != nil {
		return remote.Lookup(ctx, id)
	}
	return nil, errors.Wrapf(dberr.ErrPartitionUnavailable, "unknown partition %s", id)
}

// Remove stops hosting id.
func (p *Pool) Remove(id cluster.PartitionID) {
	p.mu.Lock()
	delete(p.parts, id)
	p.mu.Unlock()
}

// IDs lists hosted partitions in sorted order.
func (p *Pool) IDs() []cluster.PartitionID {
	p.mu.RLock()
	ids := make([]cluster.PartitionID, 0, len(p.parts))
	for id := range p.parts {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SaveAll snapshots every hosted partition into s.
func (p *Pool) SaveAll(s storage.Store) error {
	for _, id := range p.IDs() {
		part, ok := p.Get(id)
		if !ok {
			continue
		}
		if err := part.Save(s); err != nil {
			return errors.WithMessagef(err, "save partition %s", id)
		}
	}
	return nil
}

// LoadAll hosts every partition snapshot found in s.
func (p *Pool) LoadAll(s storage.Store) (int, error) {
	keys, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, storeKeyPrefix)
		if !ok || rest == "" {
			continue
		}
		id := cluster.PartitionID(rest)
		part, err := Load(s, id, p.options(nil))
		if err != nil {
			return n, errors.WithMessagef(err, "load partition %s", id)
		}
		p.mu.Lock()
		p.parts[id] = part
		p.mu.Unlock()
		n++
	}
	return n, nil
}
