package partition

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/storage"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// twoPartitions returns an outer partition a whose outer key 1 points at a
// sub-database on b holding {"x": 1, "y": 2}.
func twoPartitions(t *testing.T) (*Pool, *Partition, *Partition, cluster.InnerKey) {
	t.Helper()
	ctx := context.Background()
	owners := []auth.Identity{auth.IdentityOf(ownerKey)}
	pool := NewPool(Limits{}, nil)
	a, err := pool.Create("a", owners)
	require.NoError(t, err)
	b, err := pool.Create("b", owners)
	require.NoError(t, err)

	k, err := b.CreateSubDB(ctx, ownerKey, "on-b", nil)
	require.NoError(t, err)
	for sk, n := range map[string]int64{"x": 1, "y": 2} {
		_, err := b.InsertInner(ctx, ownerKey, k, sk, value.Int(n), nil)
		require.NoError(t, err)
	}
	require.NoError(t, a.CreateOuter(ctx, ownerKey, 1, cluster.InnerRef{Key: k, Partition: b.ID()}))
	return pool, a, b, k
}

func TestOuterRelays(t *testing.T) {
	ctx := context.Background()
	_, a, b, k := twoPartitions(t)

	ref, ok, err := a.GetInner(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cluster.InnerRef{Key: k, Partition: b.ID()}, ref)

	v, ok, err := a.GetByOuter(ctx, ownerKey, 1, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(value.Int(1)))

	has, err := a.HasByOuter(ctx, ownerKey, 1, "y")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = a.HasSubDBByOuter(ctx, ownerKey, 1)
	require.NoError(t, err)
	assert.True(t, has)

	size, ok, err := a.SubDBSizeByOuter(ctx, ownerKey, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, size)

	ud, ok, err := a.GetSubDBUserDataOuter(ctx, ownerKey, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "on-b", ud)

	res, err := a.ScanLimitOuter(ctx, ownerKey, 1, subdb.ScanOptions{Dir: subdb.Backward, UpperBound: "z", Limit: 1})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "y", res.Results[0].Key)
	require.NotNil(t, res.NextKey)
	assert.Equal(t, "x", *res.NextKey)

	// going through b to reach a's outer key
	v, ok, err = b.GetOuter(ctx, ownerKey, cluster.OuterRef{Key: 1, Partition: a.ID()}, "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(value.Int(2)))

	size, ok, err = b.SubDBSizeOuterImpl(ctx, ownerKey, cluster.OuterRef{Key: 1, Partition: a.ID()})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, size)

	info, _ := a.Info(ctx)
	assert.NotZero(t, info.Ops.Relays)
}

func TestOuterUnknown(t *testing.T) {
	ctx := context.Background()
	_, a, _, _ := twoPartitions(t)

	_, ok, err := a.GetByOuter(ctx, ownerKey, 99, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := a.ScanLimitOuter(ctx, ownerKey, 99, subdb.ScanOptions{UpperBound: "z", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	assert.True(t, errors.Is(a.DeleteSubDBOuter(ctx, ownerKey, 99), dberr.ErrNotFound))

	_, _, err = a.GetOuter(ctx, ownerKey, cluster.OuterRef{Key: 1, Partition: "nowhere"}, "x")
	assert.True(t, errors.Is(err, dberr.ErrPartitionUnavailable))
}

func TestOuterRequiresOwner(t *testing.T) {
	ctx := context.Background()
	_, a, _, _ := twoPartitions(t)

	_, _, err := a.GetByOuter(ctx, strangerKey, 1, "x")
	assert.True(t, errors.Is(err, dberr.ErrUnauthorized))
	assert.True(t, errors.Is(a.PutLocation(ctx, strangerKey, 1, cluster.InnerRef{}), dberr.ErrUnauthorized))
	assert.True(t, errors.Is(a.DeleteSubDBOuter(ctx, strangerKey, 1), dberr.ErrUnauthorized))
}

func TestLocationTable(t *testing.T) {
	ctx := context.Background()
	_, a, b, k := twoPartitions(t)

	// binding the same outer key elsewhere needs PutLocation
	other := cluster.InnerRef{Key: 42, Partition: a.ID()}
	assert.Error(t, a.CreateOuter(ctx, ownerKey, 1, other))
	require.NoError(t, a.CreateOuter(ctx, ownerKey, 1, cluster.InnerRef{Key: k, Partition: b.ID()}))

	// move the sub-database to a and repoint the outer key
	raw, ok, err := b.RawGetSubDB(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	newKey, err := a.RawInsertSubDBAndSetOuter(ctx, ownerKey, raw, &k, 1)
	require.NoError(t, err)
	require.NoError(t, b.DeleteSubDBInner(ctx, ownerKey, k))

	locs, err := a.ScanSubDBs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cluster.Location{{Outer: 1, Inner: cluster.InnerRef{Key: newKey, Partition: a.ID()}}}, locs)

	v, ok, err := a.GetByOuter(ctx, ownerKey, 1, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(value.Int(1)))

	require.NoError(t, a.DeleteSubDBOuter(ctx, ownerKey, 1))
	_, ok, _ = a.GetInner(ctx, 1)
	assert.False(t, ok)
	n, _ := a.SuperDBSize(ctx)
	assert.Zero(t, n)
}

func TestPool(t *testing.T) {
	ctx := context.Background()
	pool, a, _, _ := twoPartitions(t)

	assert.Equal(t, []cluster.PartitionID{"a", "b"}, pool.IDs())

	_, err := pool.Create("a", nil)
	assert.Error(t, err)

	c, err := pool.Provision(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())

	got, err := pool.Lookup(ctx, a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	pool.Remove(c.ID())
	_, err = pool.Lookup(ctx, c.ID())
	assert.True(t, errors.Is(err, dberr.ErrPartitionUnavailable))

	st := storage.NewMemoryStore()
	require.NoError(t, pool.SaveAll(st))

	restored := NewPool(Limits{}, nil)
	n, err := restored.LoadAll(st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ra, ok := restored.Get(a.ID())
	require.True(t, ok)
	v, ok, err := ra.GetByOuter(ctx, ownerKey, 1, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(value.Int(1)))
}

type fixedDirectory struct{ c Client }

func (d fixedDirectory) Lookup(context.Context, cluster.PartitionID) (Client, error) { return d.c, nil }

func TestPoolRemoteFallback(t *testing.T) {
	ctx := context.Background()
	far := New("far", Options{})
	pool := NewPool(Limits{}, nil)
	pool.SetRemote(fixedDirectory{c: far})

	got, err := pool.Lookup(ctx, "far")
	require.NoError(t, err)
	assert.Same(t, far, got)
}
