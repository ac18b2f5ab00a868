package index

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/partition"
)

// errTooLarge marks a sub-database that would overflow even an empty
// partition, so moving it cannot relieve its current one.
var errTooLarge = errors.New("sub-database too large to migrate")

// migrate moves the sub-database behind ref from one partition to another.
// The caller holds the latch for ref; while migrate runs, other mutating
// calls on ref fail with dberr.ErrBusy.
//
// Steps:
//
//  1. export from the source
//  2. import into a target with room for it (created if needed)
//  3. repoint the outer partition's location table
//  4. flip the registry
//  5. delete the source copy
//
// Until step 4 the source stays authoritative and any failure discards the
// target copy. A failure in step 5 leaves an orphan, which is logged and
// reported by CheckIntegrity, never surfaced to the caller. A sub-database
// larger than a partition's limits is left in place.
func (i *Index) migrate(ctx context.Context, h *held, ref cluster.OuterRef, from cluster.InnerRef) (cluster.InnerRef, error) {
	h.setMigrating(true)
	defer h.setMigrating(false)

	log := i.log.Named("migrate")
	to, err := i.moveSubDB(ctx, ref, from)
	switch {
	case errors.Is(err, errTooLarge):
		i.countMigration("skipped")
		log.Info().Err(err).Str("outer", ref.String()).Str("inner", from.String()).Msg("migration skipped")
		return from, err
	case err != nil:
		i.countMigration("error")
		log.Warn().Err(err).Str("outer", ref.String()).Str("from", from.String()).Msg("migration failed, source kept")
		return from, err
	}
	i.countMigration("ok")
	log.Info().Str("outer", ref.String()).Str("from", from.String()).Str("to", to.String()).Msg("sub-database migrated")
	return to, nil
}

func (i *Index) countMigration(outcome string) {
	if i.metrics != nil {
		i.metrics.Migrations.WithLabelValues(outcome).Inc()
	}
}

func (i *Index) moveSubDB(ctx context.Context, ref cluster.OuterRef, from cluster.InnerRef) (cluster.InnerRef, error) {
	src, err := i.client(ctx, from.Partition)
	if err != nil {
		return from, err
	}
	info, err := src.Info(ctx)
	i.observe("info", err)
	if err != nil {
		return from, errors.WithMessage(err, "source limits")
	}
	// the entry count alone settles most oversized cases without an export
	n, _, err := src.SubDBSizeByInner(ctx, from.Key)
	i.observe("size", err)
	if err != nil {
		return from, errors.WithMessage(err, "source size")
	}
	if info.Limits.Overflowed(n, 0) {
		return from, errors.Wrapf(errTooLarge, "%d entries", n)
	}

	raw, ok, err := src.RawGetSubDB(ctx, from.Key)
	i.observe("raw_get_subdb", err)
	if err != nil {
		return from, errors.WithMessage(err, "export")
	}
	if !ok {
		return from, errors.Wrapf(dberr.ErrNotFound, "export %s", from)
	}
	var need footprint
	need.entries, need.bytes = raw.Footprint()
	if info.Limits.Overflowed(need.entries, need.bytes) {
		return from, errors.Wrapf(errTooLarge, "%d entries, %d bytes", need.entries, need.bytes)
	}

	target, err := i.pick(ctx, from.Partition, need)
	if err != nil {
		return from, errors.WithMessage(err, "choose target")
	}

	// Importing straight into the outer partition binds the location in the
	// same call.
	key := from.Key
	var to cluster.InnerRef
	if target.ID() == ref.Partition {
		k, err := target.RawInsertSubDBAndSetOuter(ctx, i.cred, raw, &key, ref.Key)
		i.observe("raw_insert_subdb", err)
		if err != nil {
			return from, errors.WithMessage(err, "import")
		}
		to = cluster.InnerRef{Key: k, Partition: target.ID()}
	} else {
		k, err := target.RawInsertSubDB(ctx, i.cred, raw, &key)
		i.observe("raw_insert_subdb", err)
		if err != nil {
			return from, errors.WithMessage(err, "import")
		}
		to = cluster.InnerRef{Key: k, Partition: target.ID()}
		if err := i.putLocation(ctx, ref, to); err != nil {
			i.discard(ctx, target, to)
			return from, errors.WithMessage(err, "repoint outer location")
		}
	}

	if !i.reg.Flip(ref.Key, from, to) {
		if err := i.putLocation(ctx, ref, from); err != nil {
			i.log.Error().Err(err).Str("outer", ref.String()).Msg("outer location left pointing at discarded copy")
		}
		i.discard(ctx, target, to)
		return from, errors.Errorf("registry entry for %s changed during migration", ref)
	}

	err = src.DeleteSubDBInner(ctx, i.cred, from.Key)
	i.observe("delete_subdb", err)
	if err != nil {
		i.log.Error().Err(err).Str("inner", from.String()).Msg("orphaned source copy after migration")
	}
	return to, nil
}

func (i *Index) putLocation(ctx context.Context, ref cluster.OuterRef, to cluster.InnerRef) error {
	oc, err := i.client(ctx, ref.Partition)
	if err != nil {
		return err
	}
	err = oc.PutLocation(ctx, i.cred, ref.Key, to)
	i.observe("put_location", err)
	return err
}

func (i *Index) discard(ctx context.Context, target partition.Client, copyRef cluster.InnerRef) {
	err := target.RawDeleteSubDB(ctx, i.cred, copyRef.Key)
	i.observe("raw_delete_subdb", err)
	if err != nil {
		i.log.Error().Err(err).Str("inner", copyRef.String()).Msg("orphaned migration copy")
	}
}
