package index

import (
	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/storage"
)

// StoreKey names the index snapshot in a storage.Store.
const StoreKey = "index"

// State is the persisted form of an index. Partition clients are not
// persisted; they are looked up again through the Provisioner on first use.
type State struct {
	Initialized  bool                  `msgpack:"initialized"`
	NextOuterKey cluster.OuterKey      `msgpack:"nextOuterKey"`
	Entries      []Entry               `msgpack:"outerToInner"`
	Partitions   []cluster.PartitionID `msgpack:"partitions"`
	Owners       []string              `msgpack:"owners"`
	Stream       *ItemsStream          `msgpack:"stream,omitempty"`
	StreamSeq    uint64                `msgpack:"streamSeq"`
}

// Snapshot captures the index state.
func (i *Index) Snapshot() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := State{
		Initialized:  i.initialized,
		NextOuterKey: i.nextOuterKey,
		Entries:      i.reg.All(),
		Partitions:   append([]cluster.PartitionID{}, i.partitions...),
		Owners:       auth.Strings(i.guard.Owners()),
		StreamSeq:    i.streamSeq,
	}
	if i.stream != nil {
		s := *i.stream
		st.Stream = &s
	}
	return st
}

// Restore rebuilds an index from st.
func Restore(st State, cfg Config) *Index {
	i := New(cfg)
	i.initialized = st.Initialized
	i.nextOuterKey = st.NextOuterKey
	i.partitions = append(i.partitions, st.Partitions...)
	i.guard.Set(auth.Identities(st.Owners))
	i.streamSeq = st.StreamSeq
	if st.Stream != nil {
		s := *st.Stream
		i.stream = &s
	}
	for _, e := range st.Entries {
		i.reg.Put(e)
		if e.Outer.Key >= i.nextOuterKey {
			i.nextOuterKey = e.Outer.Key + 1
		}
	}
	if i.metrics != nil {
		i.metrics.Partitions.Set(float64(len(i.partitions)))
		i.metrics.OuterKeys.Set(float64(i.reg.Len()))
	}
	return i
}

// Save writes the index snapshot to s.
func (i *Index) Save(s storage.Store) error {
	return storage.Save(s, StoreKey, i.Snapshot())
}

// Load restores an index from s.
func Load(s storage.Store, cfg Config) (*Index, error) {
	var st State
	if err := storage.Load(s, StoreKey, &st); err != nil {
		return nil, err
	}
	return Restore(st, cfg), nil
}
