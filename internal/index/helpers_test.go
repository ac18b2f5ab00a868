package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

var (
	indexKey = []byte("index-secret")
	aliceKey = []byte("alice")
	bobKey   = []byte("bob")
	alice    = auth.IdentityOf(aliceKey)
	bob      = auth.IdentityOf(bobKey)
)

var errInjected = errors.Wrap(dberr.ErrPartitionUnavailable, "injected")

// faultyClient wraps a partition and lets tests force overflow, fail
// individual calls or park a migration mid-flight.
type faultyClient struct {
	partition.Client

	overflow        atomic.Bool
	failRawInsert   atomic.Bool
	failPutLocation atomic.Bool
	failDeleteSubDB atomic.Bool
	failUpgrade     atomic.Bool

	// when set, RawGetSubDB signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *faultyClient) IsOverflowed(ctx context.Context) (bool, error) {
	if f.overflow.Load() {
		return true, nil
	}
	return f.Client.IsOverflowed(ctx)
}

func (f *faultyClient) InsertInner(ctx context.Context, cred []byte, key cluster.InnerKey, sk string, v value.Value, hardCap *int) (bool, error) {
	over, err := f.Client.InsertInner(ctx, cred, key, sk, v, hardCap)
	return over || f.overflow.Load(), err
}

func (f *faultyClient) RawGetSubDB(ctx context.Context, key cluster.InnerKey) (subdb.RawSubDB, bool, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.Client.RawGetSubDB(ctx, key)
}

func (f *faultyClient) RawInsertSubDB(ctx context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey) (cluster.InnerKey, error) {
	if f.failRawInsert.Load() {
		return 0, errInjected
	}
	return f.Client.RawInsertSubDB(ctx, cred, raw, key)
}

func (f *faultyClient) PutLocation(ctx context.Context, cred []byte, outer cluster.OuterKey, inner cluster.InnerRef) error {
	if f.failPutLocation.Load() {
		return errInjected
	}
	return f.Client.PutLocation(ctx, cred, outer, inner)
}

func (f *faultyClient) DeleteSubDBInner(ctx context.Context, cred []byte, key cluster.InnerKey) error {
	if f.failDeleteSubDB.Load() {
		return errInjected
	}
	return f.Client.DeleteSubDBInner(ctx, cred, key)
}

func (f *faultyClient) Upgrade(ctx context.Context, cred []byte, version uint64) error {
	if f.failUpgrade.Load() {
		return errInjected
	}
	return f.Client.Upgrade(ctx, cred, version)
}

// testProvisioner hands out faultyClients over an in-process pool.
type testProvisioner struct {
	pool *partition.Pool

	mu      sync.Mutex
	clients map[cluster.PartitionID]*faultyClient
	order   []cluster.PartitionID
	fail    bool
}

func newTestProvisioner() *testProvisioner {
	return newLimitedProvisioner(partition.Limits{})
}

// newLimitedProvisioner provisions partitions held to limits.
func newLimitedProvisioner(limits partition.Limits) *testProvisioner {
	return &testProvisioner{
		pool:    partition.NewPool(limits, nil),
		clients: make(map[cluster.PartitionID]*faultyClient),
	}
}

func (p *testProvisioner) Provision(ctx context.Context, owners []auth.Identity) (partition.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errInjected
	}
	c, err := p.pool.Provision(ctx, owners)
	if err != nil {
		return nil, err
	}
	fc := &faultyClient{Client: c}
	p.clients[c.ID()] = fc
	p.order = append(p.order, c.ID())
	return fc, nil
}

func (p *testProvisioner) Lookup(ctx context.Context, id cluster.PartitionID) (partition.Client, error) {
	p.mu.Lock()
	fc, ok := p.clients[id]
	p.mu.Unlock()
	if ok {
		return fc, nil
	}
	return p.pool.Lookup(ctx, id)
}

// nth returns the n-th provisioned partition's fault switchboard.
func (p *testProvisioner) nth(n int) *faultyClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[p.order[n]]
}

func (p *testProvisioner) hosted(t *testing.T, id cluster.PartitionID) *partition.Partition {
	t.Helper()
	part, ok := p.pool.Get(id)
	require.True(t, ok, "partition %s not hosted", id)
	return part
}

type fixture struct {
	idx     *Index
	prov    *testProvisioner
	metrics *metrics.Metrics
}

// newFixture returns an index initialized with alice as the only owner.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLimitedFixture(t, partition.Limits{})
}

// newLimitedFixture is newFixture over partitions held to limits.
func newLimitedFixture(t *testing.T, limits partition.Limits) *fixture {
	t.Helper()
	prov := newLimitedProvisioner(limits)
	m := metrics.New()
	idx := New(Config{KeyMaterial: indexKey, Provisioner: prov, Metrics: m})
	require.NoError(t, idx.Init(context.Background(), []auth.Identity{alice}))
	return &fixture{idx: idx, prov: prov, metrics: m}
}

func (f *fixture) create(t *testing.T, hardCap *int) cluster.Refs {
	t.Helper()
	refs, err := f.idx.CreateSubDB(context.Background(), aliceKey, "", hardCap)
	require.NoError(t, err)
	return refs
}

func (f *fixture) insert(t *testing.T, ref cluster.OuterRef, sk string, v value.Value) cluster.InnerRef {
	t.Helper()
	inner, err := f.idx.Insert(context.Background(), aliceKey, ref, sk, v, nil)
	require.NoError(t, err)
	return inner
}
