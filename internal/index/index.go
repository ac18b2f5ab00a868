package index

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/value"
)

// ErrAlreadyInitialized is returned by a second call to Init.
var ErrAlreadyInitialized = errors.New("index already initialized")

// Provisioner creates partitions and finds existing ones. partition.Pool is
// the in-process implementation; the coordinator provisions on nodes.
type Provisioner interface {
	partition.Directory
	Provision(ctx context.Context, owners []auth.Identity) (partition.Client, error)
}

// Config configures an Index.
type Config struct {
	// KeyMaterial is the credential the index presents to its partitions.
	KeyMaterial []byte
	Provisioner Provisioner
	Metrics     *metrics.Metrics
}

// Index maps stable outer references to the partitions currently holding
// each sub-database, and moves sub-databases off overflowed partitions.
type Index struct {
	cred    []byte
	self    auth.Identity
	guard   *auth.Guard
	prov    Provisioner
	log     *logger.Logger
	metrics *metrics.Metrics
	reg     *Registry
	latches *latches

	// placeMu serializes partition creation during placement.
	placeMu sync.Mutex

	mu           sync.Mutex
	initialized  bool
	nextOuterKey cluster.OuterKey
	partitions   []cluster.PartitionID
	clients      map[cluster.PartitionID]partition.Client
	unavailable  map[cluster.PartitionID]bool
	stream       *ItemsStream
	streamSeq    uint64
}

// New returns an uninitialized index. Call Init, or restore one with Load.
func New(cfg Config) *Index {
	return &Index{
		cred:        append([]byte(nil), cfg.KeyMaterial...),
		self:        auth.IdentityOf(cfg.KeyMaterial),
		guard:       auth.NewGuard(),
		prov:        cfg.Provisioner,
		log:         logger.GetLogger("index"),
		metrics:     cfg.Metrics,
		reg:         NewRegistry(),
		latches:     newLatches(),
		clients:     make(map[cluster.PartitionID]partition.Client),
		unavailable: make(map[cluster.PartitionID]bool),
	}
}

// Identity is the identity partitions see when the index calls them.
func (i *Index) Identity() auth.Identity { return i.self }

// Init sets the first owner set, provisions the first partition and the
// items stream. It may be called once, by anyone.
func (i *Index) Init(ctx context.Context, owners []auth.Identity) error {
	i.mu.Lock()
	if i.initialized {
		i.mu.Unlock()
		return ErrAlreadyInitialized
	}
	i.initialized = true
	i.mu.Unlock()

	i.guard.Set(owners)
	if err := i.initStream(ctx); err != nil {
		i.mu.Lock()
		i.initialized = false
		i.mu.Unlock()
		return errors.WithMessage(err, "init")
	}
	i.log.Info().Int("owners", len(owners)).Msg("initialized")
	return nil
}

func (i *Index) check(cred []byte) error {
	if err := i.guard.Check(cred); err != nil {
		if i.metrics != nil {
			i.metrics.Unauthorized.Inc()
		}
		return err
	}
	return nil
}

func (i *Index) observe(op string, err error) {
	if i.metrics != nil {
		i.metrics.RelayCalls.WithLabelValues(op, metrics.Outcome(err)).Inc()
	}
}

// partitionOwners is the owner set every partition gets: the index itself
// plus the index's owners.
func (i *Index) partitionOwners() []auth.Identity {
	owners := i.guard.Owners()
	if !slices.Contains(owners, i.self) {
		owners = append(owners, i.self)
	}
	return owners
}

func (i *Index) register(c partition.Client) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.clients[c.ID()]; !ok && !slices.Contains(i.partitions, c.ID()) {
		i.partitions = append(i.partitions, c.ID())
	}
	i.clients[c.ID()] = c
	if i.metrics != nil {
		i.metrics.Partitions.Set(float64(len(i.partitions)))
	}
}

func (i *Index) createPartition(ctx context.Context) (partition.Client, error) {
	c, err := i.prov.Provision(ctx, i.partitionOwners())
	i.observe("provision", err)
	if err != nil {
		return nil, errors.WithMessage(err, "provision partition")
	}
	i.register(c)
	i.log.Info().Str("partition", string(c.ID())).Msg("partition created")
	return c, nil
}

// CreatePartition provisions and registers a new, empty partition.
func (i *Index) CreatePartition(ctx context.Context, cred []byte) (cluster.PartitionID, error) {
	if err := i.check(cred); err != nil {
		return "", err
	}
	c, err := i.createPartition(ctx)
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

// Partitions lists every registered partition in creation order.
func (i *Index) Partitions() []cluster.PartitionID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.partitions)
}

// client returns the cached client for id, looking it up on a miss.
// Partitions marked unavailable fail fast with dberr.ErrPartitionUnavailable.
func (i *Index) client(ctx context.Context, id cluster.PartitionID) (partition.Client, error) {
	i.mu.Lock()
	c, ok := i.clients[id]
	down := i.unavailable[id]
	i.mu.Unlock()
	if down {
		return nil, errors.Wrapf(dberr.ErrPartitionUnavailable, "partition %s is marked unavailable", id)
	}
	if ok {
		return c, nil
	}
	c, err := i.prov.Lookup(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "lookup partition %s", id)
	}
	i.mu.Lock()
	i.clients[id] = c
	i.mu.Unlock()
	return c, nil
}

// Forget drops the cached clients of ids. The next call to one of them looks
// the partition up again, which picks up a node that came back on a new
// address.
func (i *Index) Forget(ids ...cluster.PartitionID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.clients, id)
	}
}

// candidates returns the available partitions other than exclude, newest
// first, along with how many partitions were registered when it looked.
func (i *Index) candidates(exclude cluster.PartitionID) ([]cluster.PartitionID, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]cluster.PartitionID, 0, len(i.partitions))
	for j := len(i.partitions) - 1; j >= 0; j-- {
		id := i.partitions[j]
		if id == exclude || i.unavailable[id] {
			continue
		}
		out = append(out, id)
	}
	return out, len(i.partitions)
}

// footprint is the room a placement needs on its target.
type footprint struct {
	entries int
	bytes   int
}

func (n footprint) zero() bool { return n.entries == 0 && n.bytes == 0 }

// fits reports whether c can take need without overflowing.
func (i *Index) fits(ctx context.Context, c partition.Client, need footprint) (bool, error) {
	if need.zero() {
		return true, nil
	}
	info, err := c.Info(ctx)
	i.observe("info", err)
	if err != nil {
		return false, err
	}
	return !info.Limits.Overflowed(info.Entries+need.entries, info.Bytes+need.bytes), nil
}

// pick returns a healthy partition that is not overflowed and has room for
// need, creating one if none qualifies.
func (i *Index) pick(ctx context.Context, exclude cluster.PartitionID, need footprint) (partition.Client, error) {
	for attempt := 0; ; attempt++ {
		ids, seen := i.candidates(exclude)
		for _, id := range ids {
			c, err := i.client(ctx, id)
			if err != nil {
				i.log.Warn().Err(err).Str("partition", string(id)).Msg("skipping partition")
				continue
			}
			over, err := c.IsOverflowed(ctx)
			i.observe("is_overflowed", err)
			if err != nil {
				i.log.Warn().Err(err).Str("partition", string(id)).Msg("skipping partition")
				continue
			}
			if over {
				continue
			}
			ok, err := i.fits(ctx, c, need)
			if err != nil {
				i.log.Warn().Err(err).Str("partition", string(id)).Msg("skipping partition")
				continue
			}
			if ok {
				return c, nil
			}
		}

		i.placeMu.Lock()
		_, now := i.candidates(exclude)
		if now != seen && attempt == 0 {
			// someone else created a partition meanwhile; look at it first
			i.placeMu.Unlock()
			continue
		}
		c, err := i.createPartition(ctx)
		i.placeMu.Unlock()
		return c, err
	}
}

// CreateSubDB creates a sub-database on a partition with room and mints its
// outer reference.
func (i *Index) CreateSubDB(ctx context.Context, cred []byte, userData string, hardCap *int) (cluster.Refs, error) {
	if err := i.check(cred); err != nil {
		return cluster.Refs{}, err
	}
	refs, err := i.createSubDB(ctx, userData, hardCap)
	if err != nil {
		return cluster.Refs{}, err
	}
	if err := i.appendStream(ctx, refs.Outer); err != nil {
		i.log.Warn().Err(err).Str("outer", refs.Outer.String()).Msg("items stream not updated")
	}
	return refs, nil
}

func (i *Index) createSubDB(ctx context.Context, userData string, hardCap *int) (cluster.Refs, error) {
	c, err := i.pick(ctx, "", footprint{})
	if err != nil {
		return cluster.Refs{}, err
	}
	key, err := c.CreateSubDB(ctx, i.cred, userData, hardCap)
	i.observe("create_subdb", err)
	if err != nil {
		return cluster.Refs{}, errors.WithMessagef(err, "create sub-database on %s", c.ID())
	}
	inner := cluster.InnerRef{Key: key, Partition: c.ID()}

	i.mu.Lock()
	outer := cluster.OuterRef{Key: i.nextOuterKey, Partition: c.ID()}
	i.nextOuterKey++
	i.mu.Unlock()

	if err := c.CreateOuter(ctx, i.cred, outer.Key, inner); err != nil {
		i.observe("create_outer", err)
		if derr := c.RawDeleteSubDB(ctx, i.cred, key); derr != nil {
			i.log.Error().Err(derr).Str("inner", inner.String()).Msg("orphaned sub-database")
		}
		return cluster.Refs{}, errors.WithMessagef(err, "bind outer key %d", outer.Key)
	}
	i.reg.Put(Entry{Outer: outer, Inner: inner})
	if i.metrics != nil {
		i.metrics.OuterKeys.Set(float64(i.reg.Len()))
	}
	return cluster.Refs{Outer: outer, Inner: inner}, nil
}

// Resolve returns the inner reference ref currently points at.
func (i *Index) Resolve(ref cluster.OuterRef) (cluster.InnerRef, bool) {
	e, ok := i.reg.Get(ref.Key)
	if !ok || e.Outer != ref {
		return cluster.InnerRef{}, false
	}
	return e.Inner, true
}

func (i *Index) notFound(ref cluster.OuterRef) error {
	return errors.Wrapf(dberr.ErrNotFound, "outer reference %s", ref)
}

// read resolves ref and runs fn against the partition holding it. If a
// migration flipped the entry while fn ran, the read is retried once against
// the new location. A retryable failure drops the cached client first, so the
// retry looks the partition up again.
func (i *Index) read(ctx context.Context, op string, ref cluster.OuterRef, fn func(partition.Client, cluster.InnerKey) (bool, error)) (bool, error) {
	var (
		found bool
		err   error
	)
	for attempt := 0; attempt < 2; attempt++ {
		inner, ok := i.Resolve(ref)
		if !ok {
			return false, nil
		}
		var c partition.Client
		c, err = i.client(ctx, inner.Partition)
		if err == nil {
			found, err = fn(c, inner.Key)
			i.observe(op, err)
		}
		if dberr.IsRetryable(err) {
			i.Forget(inner.Partition)
			continue
		}
		if now, ok := i.Resolve(ref); !ok || now == inner {
			break
		}
	}
	return found, err
}

// Get reads sk from the sub-database behind ref. An unknown ref or key
// reports not found without an error.
func (i *Index) Get(ctx context.Context, ref cluster.OuterRef, sk string) (value.Value, bool, error) {
	var v value.Value
	found, err := i.read(ctx, "get", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		var ok bool
		var err error
		v, ok, err = c.GetByInner(ctx, key, sk)
		return ok, err
	})
	if err != nil || !found {
		return value.Value{}, false, err
	}
	return v, true, nil
}

// Has reports whether sk is present in the sub-database behind ref.
func (i *Index) Has(ctx context.Context, ref cluster.OuterRef, sk string) (bool, error) {
	return i.read(ctx, "has", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		return c.HasByInner(ctx, key, sk)
	})
}

// HasSubDB reports whether ref names a live sub-database.
func (i *Index) HasSubDB(ctx context.Context, ref cluster.OuterRef) (bool, error) {
	return i.read(ctx, "has_subdb", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		return c.HasSubDBByInner(ctx, key)
	})
}

// Size returns the number of entries in the sub-database behind ref.
func (i *Index) Size(ctx context.Context, ref cluster.OuterRef) (int, bool, error) {
	var n int
	found, err := i.read(ctx, "size", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		var ok bool
		var err error
		n, ok, err = c.SubDBSizeByInner(ctx, key)
		return ok, err
	})
	if err != nil || !found {
		return 0, false, err
	}
	return n, true, nil
}

// UserData returns the user data the sub-database behind ref was created
// with.
func (i *Index) UserData(ctx context.Context, ref cluster.OuterRef) (string, bool, error) {
	var ud string
	found, err := i.read(ctx, "user_data", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		var ok bool
		var err error
		ud, ok, err = c.GetSubDBUserDataInner(ctx, i.cred, key)
		return ok, err
	})
	if err != nil || !found {
		return "", false, err
	}
	return ud, true, nil
}

// Scan runs one page of a bounded range scan. An unknown ref yields an empty
// page.
func (i *Index) Scan(ctx context.Context, ref cluster.OuterRef, opts subdb.ScanOptions) (subdb.ScanResult, error) {
	res := subdb.ScanResult{Results: []subdb.Entry{}}
	found, err := i.read(ctx, "scan", ref, func(c partition.Client, key cluster.InnerKey) (bool, error) {
		has, err := c.HasSubDBByInner(ctx, key)
		if err != nil || !has {
			return false, err
		}
		res, err = c.ScanLimitInner(ctx, key, opts)
		return true, err
	})
	if err != nil {
		return subdb.ScanResult{}, err
	}
	if !found {
		return subdb.ScanResult{Results: []subdb.Entry{}}, nil
	}
	return res, nil
}

// Insert writes v under sk in the sub-database behind ref and returns the
// inner reference callers may use for fast-path reads.
//
// Writes are committed before overflow is handled. If the partition reports
// overflow afterwards, the sub-database is migrated in the same call; a
// failed migration is logged and retried on the next insert, and the insert
// still succeeds with the old inner reference. A CapacityExceeded insert
// leaves the sub-database unchanged, migrates it if its partition is
// overflowed, and returns the error together with the current reference.
func (i *Index) Insert(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string, v value.Value, hardCap *int) (cluster.InnerRef, error) {
	if err := i.check(cred); err != nil {
		return cluster.InnerRef{}, err
	}
	return i.insert(ctx, i.latches.acquire, ref, sk, v, hardCap)
}

func (i *Index) insert(ctx context.Context, lock latchFunc, ref cluster.OuterRef, sk string, v value.Value, hardCap *int) (cluster.InnerRef, error) {
	h, err := lock(ctx, ref.Key)
	if err != nil {
		return cluster.InnerRef{}, err
	}
	defer h.release()

	inner, ok := i.Resolve(ref)
	if !ok {
		return cluster.InnerRef{}, i.notFound(ref)
	}
	c, err := i.client(ctx, inner.Partition)
	if err != nil {
		return inner, err
	}
	over, err := c.InsertInner(ctx, i.cred, inner.Key, sk, v, hardCap)
	i.observe("insert", err)
	switch {
	case errors.Is(err, dberr.ErrCapacityExceeded):
		if over {
			if to, merr := i.migrate(ctx, h, ref, inner); merr == nil {
				inner = to
			}
		}
		return inner, err
	case err != nil:
		return inner, err
	case over:
		to, merr := i.migrate(ctx, h, ref, inner)
		if merr != nil {
			return inner, nil
		}
		return to, nil
	}
	return inner, nil
}

// Delete removes sk from the sub-database behind ref.
func (i *Index) Delete(ctx context.Context, cred []byte, ref cluster.OuterRef, sk string) error {
	if err := i.check(cred); err != nil {
		return err
	}
	return i.delete(ctx, i.latches.acquire, ref, sk)
}

func (i *Index) delete(ctx context.Context, lock latchFunc, ref cluster.OuterRef, sk string) error {
	h, err := lock(ctx, ref.Key)
	if err != nil {
		return err
	}
	defer h.release()

	inner, ok := i.Resolve(ref)
	if !ok {
		return i.notFound(ref)
	}
	c, err := i.client(ctx, inner.Partition)
	if err != nil {
		return err
	}
	err = c.DeleteInner(ctx, i.cred, inner.Key, sk)
	i.observe("delete", err)
	return err
}

// DeleteSubDB deletes the sub-database behind ref and retires ref.
func (i *Index) DeleteSubDB(ctx context.Context, cred []byte, ref cluster.OuterRef) error {
	if err := i.check(cred); err != nil {
		return err
	}
	if err := i.deleteSubDB(ctx, ref); err != nil {
		return err
	}
	if err := i.removeStream(ctx, ref); err != nil {
		i.log.Warn().Err(err).Str("outer", ref.String()).Msg("items stream not updated")
	}
	return nil
}

func (i *Index) deleteSubDB(ctx context.Context, ref cluster.OuterRef) error {
	h, err := i.latches.acquire(ctx, ref.Key)
	if err != nil {
		return err
	}
	defer h.release()

	inner, ok := i.Resolve(ref)
	if !ok {
		return i.notFound(ref)
	}
	c, err := i.client(ctx, inner.Partition)
	if err != nil {
		return err
	}
	err = c.DeleteSubDBInner(ctx, i.cred, inner.Key)
	i.observe("delete_subdb", err)
	if err != nil && !errors.Is(err, dberr.ErrNotFound) {
		return err
	}
	i.reg.Remove(ref.Key)
	if i.metrics != nil {
		i.metrics.OuterKeys.Set(float64(i.reg.Len()))
	}

	// the sub-database is already gone; this only clears the location
	if oc, err := i.client(ctx, ref.Partition); err == nil {
		err = oc.DeleteSubDBOuter(ctx, i.cred, ref.Key)
		i.observe("delete_subdb_outer", err)
		if err != nil && !errors.Is(err, dberr.ErrNotFound) {
			i.log.Warn().Err(err).Str("outer", ref.String()).Msg("stale location left on outer partition")
		}
	}
	return nil
}

// Owners returns the index owner set.
func (i *Index) Owners() []auth.Identity { return i.guard.Owners() }

// SetOwners replaces the owner set and pushes the matching partition owner
// set to every partition. Propagation is best-effort; failures are combined
// into the returned error after the index itself has switched.
func (i *Index) SetOwners(ctx context.Context, cred []byte, owners []auth.Identity) error {
	if err := i.check(cred); err != nil {
		return err
	}
	i.guard.Set(owners)
	powners := i.partitionOwners()

	var errs error
	for _, id := range i.Partitions() {
		c, err := i.client(ctx, id)
		if err == nil {
			err = c.SetOwners(ctx, i.cred, powners)
			i.observe("set_owners", err)
		}
		if err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "partition %s", id))
		}
	}
	return errs
}

// MarkUnavailable excludes partitions from placement until MarkAvailable.
// Calls that need one of them fail with dberr.ErrPartitionUnavailable
// without contacting it.
func (i *Index) MarkUnavailable(ids ...cluster.PartitionID) {
	i.mu.Lock()
	for _, id := range ids {
		i.unavailable[id] = true
	}
	i.mu.Unlock()
	for _, id := range ids {
		i.log.Warn().Str("partition", string(id)).Int("subdbs", len(i.reg.OnPartition(id))).Msg("partition unavailable")
	}
}

// MarkAvailable undoes MarkUnavailable. Cached clients are dropped, since a
// recovered node may answer on a new address.
func (i *Index) MarkAvailable(ids ...cluster.PartitionID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.unavailable, id)
		delete(i.clients, id)
	}
}

// Unavailable lists partitions excluded from placement.
func (i *Index) Unavailable() []cluster.PartitionID {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []cluster.PartitionID
	for _, id := range i.partitions {
		if i.unavailable[id] {
			out = append(out, id)
		}
	}
	return out
}
