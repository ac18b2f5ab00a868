package index

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dreamware/subdb/internal/cluster"
)

// UpgradeReport says which partitions took an upgrade.
type UpgradeReport struct {
	Upgraded []cluster.PartitionID          `msgpack:"upgraded"`
	Failed   map[cluster.PartitionID]string `msgpack:"failed"`
}

// UpgradePartitionsInRange upgrades the partitions at positions [start, end)
// of Partitions() to version. It keeps going past failures; the returned
// error combines them and the report lists both outcomes.
func (i *Index) UpgradePartitionsInRange(ctx context.Context, cred []byte, start, end int, version uint64) (UpgradeReport, error) {
	rep := UpgradeReport{Upgraded: []cluster.PartitionID{}, Failed: map[cluster.PartitionID]string{}}
	if err := i.check(cred); err != nil {
		return rep, err
	}
	ids := i.Partitions()
	start = max(start, 0)
	end = min(end, len(ids))

	var errs error
	for j := start; j < end; j++ {
		id := ids[j]
		c, err := i.client(ctx, id)
		if err == nil {
			err = c.Upgrade(ctx, i.cred, version)
			i.observe("upgrade", err)
		}
		if err != nil {
			rep.Failed[id] = err.Error()
			errs = multierr.Append(errs, errors.WithMessagef(err, "partition %s", id))
			continue
		}
		rep.Upgraded = append(rep.Upgraded, id)
	}
	i.log.Info().Int("upgraded", len(rep.Upgraded)).Int("failed", len(rep.Failed)).
		Uint64("version", version).Msg("partitions upgraded")
	return rep, errs
}
