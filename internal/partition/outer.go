package partition

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Outer-keyed calls resolve the location locally, release the lock and then
// relay to whichever partition holds the sub-database, possibly this one.

// GetInner returns the location-table row for outer.
func (p *Partition) GetInner(_ context.Context, outer cluster.OuterKey) (cluster.InnerRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.locations[outer]
	return ref, ok, nil
}

// ScanSubDBs lists the location table in outer key order.
func (p *Partition) ScanSubDBs(context.Context) ([]cluster.Location, error) {
	p.mu.Lock()
	out := make([]cluster.Location, 0, len(p.locations))
	for o, ref := range p.locations {
		out = append(out, cluster.Location{Outer: o, Inner: ref})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Outer < out[j].Outer })
	return out, nil
}

// CreateOuter binds a new outer key. Rebinding to the same reference is a
// no-op; rebinding to a different one must go through PutLocation.
func (p *Partition) CreateOuter(_ context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.locations[outer]; ok && cur != inner {
		return errors.Errorf("partition %s: outer key %d already bound to %s", p.id, outer, cur)
	}
	p.locations[outer] = inner
	return nil
}

// PutLocation points outer at inner, replacing any earlier binding.
func (p *Partition) PutLocation(_ context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations[outer] = inner
	return nil
}

func (p *Partition) location(outer cluster.OuterKey) (cluster.InnerRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.locations[outer]
	return ref, ok
}

// peer returns the client for id. Callers must not hold p.mu.
func (p *Partition) peer(ctx context.Context, id cluster.PartitionID) (Client, error) {
	if id == p.id {
		return p, nil
	}
	atomic.AddUint64(&p.ops.Relays, 1)
	if p.dir == nil {
		return nil, errors.Wrapf(dberr.ErrPartitionUnavailable, "partition %s: no directory to reach %s", p.id, id)
	}
	c, err := p.dir.Lookup(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "partition %s: lookup %s", p.id, id)
	}
	return c, nil
}

// resolve finds the partition client and inner key behind outer.
func (p *Partition) resolve(ctx context.Context, outer cluster.OuterKey) (Client, cluster.InnerKey, bool, error) {
	ref, ok := p.location(outer)
	if !ok {
		return nil, 0, false, nil
	}
	c, err := p.peer(ctx, ref.Partition)
	if err != nil {
		return nil, 0, false, err
	}
	return c, ref.Key, true, nil
}

// DeleteSubDBOuter deletes the sub-database outer points at, wherever it
// lives, and clears the row.
func (p *Partition) DeleteSubDBOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) error {
	if err := p.check(cred); err != nil {
		return err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(dberr.ErrNotFound, "partition %s: outer key %d", p.id, outer)
	}
	if err := c.DeleteSubDBInner(ctx, cred, key); err != nil && !errors.Is(err, dberr.ErrNotFound) {
		return err
	}
	p.mu.Lock()
	delete(p.locations, outer)
	p.mu.Unlock()
	return nil
}

// GetByOuter reads sk through the location table.
func (p *Partition) GetByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (value.Value, bool, error) {
	if err := p.check(cred); err != nil {
		return value.Value{}, false, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil || !ok {
		return value.Value{}, false, err
	}
	return c.GetByInner(ctx, key, sk)
}

// GetOuter reads through an outer reference that may live on another
// partition.
func (p *Partition) GetOuter(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string) (value.Value, bool, error) {
	if err := p.check(cred); err != nil {
		return value.Value{}, false, err
	}
	c, err := p.peer(ctx, ref.Partition)
	if err != nil {
		return value.Value{}, false, err
	}
	return c.GetByOuter(ctx, cred, ref.Key, sk)
}

// HasByOuter reports whether sk is present, resolving outer locally.
func (p *Partition) HasByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, sk string) (bool, error) {
	if err := p.check(cred); err != nil {
		return false, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil || !ok {
		return false, err
	}
	return c.HasByInner(ctx, key, sk)
}

// HasSubDBByOuter reports whether outer resolves to a live sub-database.
func (p *Partition) HasSubDBByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (bool, error) {
	if err := p.check(cred); err != nil {
		return false, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil || !ok {
		return false, err
	}
	return c.HasSubDBByInner(ctx, key)
}

// SubDBSizeByOuter returns the entry count of the sub-database behind
// outer.
func (p *Partition) SubDBSizeByOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (int, bool, error) {
	if err := p.check(cred); err != nil {
		return 0, false, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil || !ok {
		return 0, false, err
	}
	return c.SubDBSizeByInner(ctx, key)
}

// SubDBSizeOuterImpl sizes a sub-database named by a full outer reference,
// relaying to the partition that owns the reference.
func (p *Partition) SubDBSizeOuterImpl(ctx context.Context, cred []byte, ref cluster.OuterRef) (int, bool, error) {
	if err := p.check(cred); err != nil {
		return 0, false, err
	}
	c, err := p.peer(ctx, ref.Partition)
	if err != nil {
		return 0, false, err
	}
	return c.SubDBSizeByOuter(ctx, cred, ref.Key)
}

// GetSubDBUserDataOuter returns the user data of the sub-database behind
// outer.
func (p *Partition) GetSubDBUserDataOuter(ctx context.Context, cred []byte, outer cluster.OuterKey) (string, bool, error) {
	if err := p.check(cred); err != nil {
		return "", false, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil || !ok {
		return "", false, err
	}
	return c.GetSubDBUserDataInner(ctx, cred, key)
}

// ScanLimitOuter scans the sub-database behind outer.
func (p *Partition) ScanLimitOuter(ctx context.Context, cred []byte, outer cluster.OuterKey, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	if err := p.check(cred); err != nil {
		return subdb.ScanResult{}, err
	}
	c, key, ok, err := p.resolve(ctx, outer)
	if err != nil {
		return subdb.ScanResult{}, err
	}
	if !ok {
		return subdb.ScanResult{Results: []subdb.Entry{}}, nil
	}
	return c.ScanLimitInner(ctx, key, opts)
}
