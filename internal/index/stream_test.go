package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/subdb"
)

// streamed reads the order half of the items stream front to back.
func streamed(t *testing.T, f *fixture) []string {
	t.Helper()
	st, ok := f.idx.GetAllItemsStream()
	require.True(t, ok)
	res, err := f.idx.Scan(context.Background(), st.Order, subdb.ScanOptions{UpperBound: seqKey(1 << 62), Limit: 100})
	require.NoError(t, err)
	var out []string
	for _, e := range res.Results {
		s, ok := e.Value.AsText()
		require.True(t, ok)
		out = append(out, s)
	}
	return out
}

func TestItemsStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.Empty(t, streamed(t, f))

	var refs []cluster.Refs
	for j := 0; j < 3; j++ {
		refs = append(refs, f.create(t, nil))
	}
	assert.Equal(t, []string{
		refs[0].Outer.String(), refs[1].Outer.String(), refs[2].Outer.String(),
	}, streamed(t, f))

	require.NoError(t, f.idx.DeleteSubDB(ctx, aliceKey, refs[1].Outer))
	assert.Equal(t, []string{refs[0].Outer.String(), refs[2].Outer.String()}, streamed(t, f))

	st, _ := f.idx.GetAllItemsStream()
	has, err := f.idx.Has(ctx, st.Reverse, refs[1].Outer.String())
	require.NoError(t, err)
	assert.False(t, has)
	has, err = f.idx.Has(ctx, st.Reverse, refs[2].Outer.String())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestItemsStreamWaitsForMigration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// the stream lives on the first partition; overflowing it makes the
	// next stream write migrate the order sub-database, parked mid-export
	p0 := f.prov.nth(0)
	p0.entered = make(chan struct{}, 16)
	p0.release = make(chan struct{})
	p0.overflow.Store(true)

	create := func() <-chan cluster.Refs {
		out := make(chan cluster.Refs, 1)
		go func() {
			refs, err := f.idx.CreateSubDB(ctx, aliceKey, "", nil)
			assert.NoError(t, err)
			out <- refs
		}()
		return out
	}

	first := create()
	<-p0.entered
	second := create()

	select {
	case <-second:
		t.Fatal("second create finished while the stream was migrating")
	case <-time.After(50 * time.Millisecond):
	}
	close(p0.release)

	r1, r2 := <-first, <-second
	assert.Equal(t, []string{r1.Outer.String(), r2.Outer.String()}, streamed(t, f))

	st, _ := f.idx.GetAllItemsStream()
	for _, r := range []cluster.Refs{r1, r2} {
		has, err := f.idx.Has(ctx, st.Reverse, r.Outer.String())
		require.NoError(t, err)
		assert.True(t, has, "%s missing from the reverse index", r.Outer)
	}
}

func TestItemsStreamBeforeInit(t *testing.T) {
	idx := New(Config{KeyMaterial: indexKey, Provisioner: newTestProvisioner()})
	_, ok := idx.GetAllItemsStream()
	assert.False(t, ok)
}

func TestSeqKeyOrdersNumerically(t *testing.T) {
	assert.Less(t, seqKey(9), seqKey(10))
	assert.Less(t, seqKey(99), seqKey(100000))
	assert.Len(t, seqKey(0), 20)
}
