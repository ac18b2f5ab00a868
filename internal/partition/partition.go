package partition

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// Limits bounds a partition's occupancy. A zero field disables that limit.
type Limits struct {
	MaxEntries int `msgpack:"maxEntries"`
	MaxBytes   int `msgpack:"maxBytes"`
}

// Overflowed reports whether entries or bytes reached a limit.
func (l Limits) Overflowed(entries, bytes int) bool {
	return (l.MaxEntries > 0 && entries >= l.MaxEntries) ||
		(l.MaxBytes > 0 && bytes >= l.MaxBytes)
}

// Options configures a new partition.
type Options struct {
	Limits    Limits
	Directory Directory
	Owners    []auth.Identity
	Metrics   *metrics.Metrics
}

// Partition is a storage actor holding many sub-databases plus the location
// table for the outer keys it issued.
type Partition struct {
	id      cluster.PartitionID
	limits  Limits
	dir     Directory
	guard   *auth.Guard
	log     *logger.Logger
	metrics *metrics.Metrics
	ops     OperationStats

	mu            sync.Mutex
	nextInnerKey  cluster.InnerKey
	subDBs        map[cluster.InnerKey]*subdb.SubDB
	locations     map[cluster.OuterKey]cluster.InnerRef
	entries       int
	bytes         int
	schemaVersion uint64
}

var _ Client = (*Partition)(nil)

// New creates an empty partition.
func New(id cluster.PartitionID, opts Options) *Partition {
	return &Partition{
		id:        id,
		limits:    opts.Limits,
		dir:       opts.Directory,
		guard:     auth.NewGuard(opts.Owners...),
		log:       logger.GetLogger("partition").Named(string(id)),
		metrics:   opts.Metrics,
		subDBs:    make(map[cluster.InnerKey]*subdb.SubDB),
		locations: make(map[cluster.OuterKey]cluster.InnerRef),
	}
}

// ID is the partition's stable identity.
func (p *Partition) ID() cluster.PartitionID { return p.id }

func (p *Partition) notFound(key cluster.InnerKey) error {
	return errors.Wrapf(dberr.ErrNotFound, "partition %s: sub-database %d", p.id, key)
}

func (p *Partition) check(cred []byte) error {
	if err := p.guard.Check(cred); err != nil {
		if p.metrics != nil {
			p.metrics.Unauthorized.Inc()
		}
		return errors.WithMessagef(err, "partition %s", p.id)
	}
	return nil
}

func (p *Partition) count(ctr *uint64, op string) {
	atomic.AddUint64(ctr, 1)
	if p.metrics != nil {
		p.metrics.PartitionOps.WithLabelValues(string(p.id), op).Inc()
	}
}

// observe publishes occupancy. Callers hold p.mu.
func (p *Partition) observe() {
	if p.metrics == nil {
		return
	}
	p.metrics.PartitionSubDBs.WithLabelValues(string(p.id)).Set(float64(len(p.subDBs)))
	p.metrics.PartitionEntries.WithLabelValues(string(p.id)).Set(float64(p.entries))
}

// mutate runs fn against sdb and folds the change in size into the
// partition totals. Callers hold p.mu.
func (p *Partition) mutate(sdb *subdb.SubDB, fn func() error) error {
	e, b := sdb.Size(), sdb.Bytes()
	err := fn()
	p.entries += sdb.Size() - e
	p.bytes += sdb.Bytes() - b
	p.observe()
	return err
}

func (p *Partition) attach(key cluster.InnerKey, sdb *subdb.SubDB) {
	p.subDBs[key] = sdb
	p.entries += sdb.Size()
	p.bytes += sdb.Bytes()
	p.observe()
}

func (p *Partition) detach(key cluster.InnerKey) bool {
	sdb, ok := p.subDBs[key]
	if !ok {
		return false
	}
	delete(p.subDBs, key)
	p.entries -= sdb.Size()
	p.bytes -= sdb.Bytes()
	p.observe()
	return true
}

// mint allocates the next inner key. Callers hold p.mu.
func (p *Partition) mint() cluster.InnerKey {
	k := p.nextInnerKey
	p.nextInnerKey++
	return k
}

func (p *Partition) lookup(key cluster.InnerKey) (*subdb.SubDB, bool) {
	sdb, ok := p.subDBs[key]
	return sdb, ok
}

func (p *Partition) overflowedLocked() bool {
	return p.limits.Overflowed(p.entries, p.bytes)
}

// GetByInner reads sk from a hosted sub-database. An unknown key or sk
// reports not found.
func (p *Partition) GetByInner(_ context.Context, key cluster.InnerKey, sk string) (value.Value, bool, error) {
	p.count(&p.ops.Reads, "get")
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return value.Value{}, false, nil
	}
	v, ok := sdb.Get(sk)
	return v, ok, nil
}

// HasByInner reports whether sk is present in a hosted sub-database.
func (p *Partition) HasByInner(_ context.Context, key cluster.InnerKey, sk string) (bool, error) {
	p.count(&p.ops.Reads, "has")
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	return ok && sdb.Has(sk), nil
}

// HasSubDBByInner reports whether key names a hosted sub-database.
func (p *Partition) HasSubDBByInner(_ context.Context, key cluster.InnerKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.lookup(key)
	return ok, nil
}

// SubDBSizeByInner returns the entry count of a hosted sub-database.
func (p *Partition) SubDBSizeByInner(_ context.Context, key cluster.InnerKey) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return 0, false, nil
	}
	return sdb.Size(), true, nil
}

// SuperDBSize returns the number of sub-databases held.
func (p *Partition) SuperDBSize(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subDBs), nil
}

// InnerKeys lists the sub-databases held, in ascending order.
func (p *Partition) InnerKeys(context.Context) ([]cluster.InnerKey, error) {
	p.mu.Lock()
	keys := make([]cluster.InnerKey, 0, len(p.subDBs))
	for k := range p.subDBs {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	slices.Sort(keys)
	return keys, nil
}

// IsOverflowed is a pure function of current occupancy.
func (p *Partition) IsOverflowed(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflowedLocked(), nil
}

// RawGetSubDB exports a hosted sub-database for migration.
func (p *Partition) RawGetSubDB(_ context.Context, key cluster.InnerKey) (subdb.RawSubDB, bool, error) {
	p.count(&p.ops.Reads, "raw_get")
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return subdb.RawSubDB{}, false, nil
	}
	return sdb.Export(), true, nil
}

// ScanLimitInner scans one sub-database. An unknown key yields an empty
// result.
func (p *Partition) ScanLimitInner(_ context.Context, key cluster.InnerKey, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	p.count(&p.ops.Reads, "scan")
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return subdb.ScanResult{Results: []subdb.Entry{}}, nil
	}
	return sdb.Scan(opts), nil
}

// Info reports occupancy, limits and operation counts.
func (p *Partition) Info(context.Context) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:            p.id,
		SubDBs:        len(p.subDBs),
		Entries:       p.entries,
		Bytes:         p.bytes,
		Overflowed:    p.overflowedLocked(),
		Limits:        p.limits,
		SchemaVersion: p.schemaVersion,
		Ops: OperationStats{
			Reads:   atomic.LoadUint64(&p.ops.Reads),
			Writes:  atomic.LoadUint64(&p.ops.Writes),
			Deletes: atomic.LoadUint64(&p.ops.Deletes),
			Relays:  atomic.LoadUint64(&p.ops.Relays),
		},
	}, nil
}

// CreateSubDB creates an empty sub-database under a freshly minted inner
// key.
func (p *Partition) CreateSubDB(_ context.Context, cred []byte, userData string, hardCap *int) (cluster.InnerKey, error) {
	if err := p.check(cred); err != nil {
		return 0, err
	}
	p.count(&p.ops.Writes, "create_subdb")
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.mint()
	p.attach(k, subdb.New(userData, hardCap))
	return k, nil
}

// InsertInner implements Client.InsertInner.
func (p *Partition) InsertInner(_ context.Context, cred []byte, key cluster.InnerKey, sk string, v value.Value, hardCap *int) (bool, error) {
	if err := p.check(cred); err != nil {
		return false, err
	}
	p.count(&p.ops.Writes, "insert")
	p.mu.Lock()
	sdb, ok := p.lookup(key)
	if !ok {
		p.mu.Unlock()
		return false, p.notFound(key)
	}
	if hardCap != nil {
		sdb.SetHardCap(hardCap)
	}
	err := p.mutate(sdb, func() error { return sdb.Insert(sk, v) })
	overflowed := p.overflowedLocked()
	p.mu.Unlock()

	if err != nil {
		return overflowed, errors.WithMessagef(err, "partition %s: sub-database %d", p.id, key)
	}
	if overflowed && p.metrics != nil {
		p.metrics.PartitionOverflow.WithLabelValues(string(p.id)).Inc()
	}
	return overflowed, nil
}

// DeleteInner removes sk. A missing sk is fine; a missing sub-database is
// not.
func (p *Partition) DeleteInner(_ context.Context, cred []byte, key cluster.InnerKey, sk string) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.count(&p.ops.Deletes, "delete")
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return p.notFound(key)
	}
	return p.mutate(sdb, func() error {
		sdb.Delete(sk)
		return nil
	})
}

// DeleteSubDBInner removes a hosted sub-database. Its inner key is never
// reused.
func (p *Partition) DeleteSubDBInner(_ context.Context, cred []byte, key cluster.InnerKey) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.count(&p.ops.Deletes, "delete_subdb")
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.detach(key) {
		return p.notFound(key)
	}
	return nil
}

// RawInsertSubDB installs an exported sub-database. The caller's key is kept
// when this partition never allocated it; otherwise a fresh key is minted.
func (p *Partition) RawInsertSubDB(_ context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey) (cluster.InnerKey, error) {
	if err := p.check(cred); err != nil {
		return 0, err
	}
	p.count(&p.ops.Writes, "raw_insert")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rawInsertLocked(raw, key), nil
}

func (p *Partition) rawInsertLocked(raw subdb.RawSubDB, key *cluster.InnerKey) cluster.InnerKey {
	var k cluster.InnerKey
	if key != nil && *key >= p.nextInnerKey {
		k = *key
		p.nextInnerKey = k + 1
	} else {
		k = p.mint()
	}
	p.attach(k, subdb.FromRaw(raw))
	return k
}

// RawInsertSubDBAndSetOuter is RawInsertSubDB plus binding outer to the new
// sub-database in this partition's location table.
func (p *Partition) RawInsertSubDBAndSetOuter(_ context.Context, cred []byte, raw subdb.RawSubDB, key *cluster.InnerKey, outer cluster.OuterKey) (cluster.InnerKey, error) {
	if err := p.check(cred); err != nil {
		return 0, err
	}
	p.count(&p.ops.Writes, "raw_insert")
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.rawInsertLocked(raw, key)
	p.locations[outer] = cluster.InnerRef{Key: k, Partition: p.id}
	return k, nil
}

// RawDeleteSubDB drops a sub-database without complaint if it is already
// gone. Migration uses it to discard a half-installed copy.
func (p *Partition) RawDeleteSubDB(_ context.Context, cred []byte, key cluster.InnerKey) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.count(&p.ops.Deletes, "raw_delete")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detach(key)
	return nil
}

// GetSubDBUserDataInner returns the user data of a hosted sub-database.
func (p *Partition) GetSubDBUserDataInner(_ context.Context, cred []byte, key cluster.InnerKey) (string, bool, error) {
	if err := p.check(cred); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sdb, ok := p.lookup(key)
	if !ok {
		return "", false, nil
	}
	return sdb.UserData(), true, nil
}

// SetOwners replaces the partition's owner set.
func (p *Partition) SetOwners(_ context.Context, cred []byte, owners []auth.Identity) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.guard.Set(owners)
	p.log.Info().Int("owners", len(owners)).Msg("owners replaced")
	return nil
}

// Owners returns the current owner set.
func (p *Partition) Owners() []auth.Identity { return p.guard.Owners() }

// Upgrade stamps a schema version and recomputes the occupancy totals.
// Versions at or below the current one are no-ops.
func (p *Partition) Upgrade(_ context.Context, cred []byte, version uint64) error {
	if err := p.check(cred); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if version <= p.schemaVersion {
		return nil
	}
	entries, bytes := 0, 0
	for _, sdb := range p.subDBs {
		entries += sdb.Size()
		bytes += sdb.Bytes()
	}
	if entries != p.entries || bytes != p.bytes {
		p.log.Warn().Int("entries", entries).Int("bytes", bytes).
			Int("was_entries", p.entries).Int("was_bytes", p.bytes).Msg("occupancy drift corrected")
	}
	p.entries, p.bytes = entries, bytes
	p.log.Info().Uint64("from", p.schemaVersion).Uint64("to", version).Msg("upgraded")
	p.schemaVersion = version
	p.observe()
	return nil
}
