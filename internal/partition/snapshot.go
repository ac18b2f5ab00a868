package partition

import (
	"sort"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/storage"
	"github.com/dreamware/subdb/internal/subdb"
)

// State is the persisted form of a partition.
type State struct {
	ID            cluster.PartitionID `msgpack:"id"`
	NextInnerKey  cluster.InnerKey    `msgpack:"nextInnerKey"`
	SubDBs        []StoredSubDB       `msgpack:"subDatabases"`
	Locations     []cluster.Location  `msgpack:"locations"`
	Owners        []string            `msgpack:"owners"`
	SchemaVersion uint64              `msgpack:"schemaVersion"`
}

// StoredSubDB is one sub-database in a partition snapshot.
type StoredSubDB struct {
	Key cluster.InnerKey `msgpack:"key"`
	Raw subdb.RawSubDB   `msgpack:"raw"`
}

// StoreKey names a partition's snapshot in a storage.Store.
func StoreKey(id cluster.PartitionID) string { return storeKeyPrefix + string(id) }

const storeKeyPrefix = "partition/"

// Snapshot captures the partition's full state.
func (p *Partition) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := State{
		ID:            p.id,
		NextInnerKey:  p.nextInnerKey,
		SubDBs:        make([]StoredSubDB, 0, len(p.subDBs)),
		Locations:     make([]cluster.Location, 0, len(p.locations)),
		Owners:        auth.Strings(p.guard.Owners()),
		SchemaVersion: p.schemaVersion,
	}
	for k, sdb := range p.subDBs {
		st.SubDBs = append(st.SubDBs, StoredSubDB{Key: k, Raw: sdb.Export()})
	}
	for o, ref := range p.locations {
		st.Locations = append(st.Locations, cluster.Location{Outer: o, Inner: ref})
	}
	sort.Slice(st.SubDBs, func(i, j int) bool { return st.SubDBs[i].Key < st.SubDBs[j].Key })
	sort.Slice(st.Locations, func(i, j int) bool { return st.Locations[i].Outer < st.Locations[j].Outer })
	return st
}

// Restore rebuilds a partition from st. The owner set comes from st;
// opts.Owners is ignored.
func Restore(st State, opts Options) *Partition {
	opts.Owners = auth.Identities(st.Owners)
	p := New(st.ID, opts)
	p.nextInnerKey = st.NextInnerKey
	p.schemaVersion = st.SchemaVersion
	for _, s := range st.SubDBs {
		p.attach(s.Key, subdb.FromRaw(s.Raw))
		if s.Key >= p.nextInnerKey {
			p.nextInnerKey = s.Key + 1
		}
	}
	for _, l := range st.Locations {
		p.locations[l.Outer] = l.Inner
	}
	return p
}

// Save writes the partition's snapshot to s.
func (p *Partition) Save(s storage.Store) error {
	return storage.Save(s, StoreKey(p.id), p.Snapshot())
}

// Load restores the partition id from s.
func Load(s storage.Store, id cluster.PartitionID, opts Options) (*Partition, error) {
	var st State
	if err := storage.Load(s, StoreKey(id), &st); err != nil {
		return nil, err
	}
	return Restore(st, opts), nil
}
