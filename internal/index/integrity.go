package index

import (
	"context"
	"math"

	"golang.org/x/exp/slices"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/subdb"
)

// IntegrityReport lists disagreements between the registry and the
// partitions.
type IntegrityReport struct {
	// Missing entries point at a sub-database its partition does not hold.
	Missing []Entry `msgpack:"missing"`
	// Orphans are sub-databases no registry entry points at, typically
	// left behind by a migration whose source delete failed.
	Orphans []cluster.InnerRef `msgpack:"orphans"`
	// StaleLocations are location-table rows that disagree with the
	// registry. Inner holds the partition's view.
	StaleLocations []cluster.Location `msgpack:"staleLocations"`
	// Unreachable partitions could not be inspected.
	Unreachable []cluster.PartitionID `msgpack:"unreachable"`
	// StaleStream are items stream entries naming an outer reference the
	// registry no longer holds.
	StaleStream []cluster.OuterRef `msgpack:"staleStream"`
}

// OK reports whether nothing was found.
func (r IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Orphans) == 0 &&
		len(r.StaleLocations) == 0 && len(r.Unreachable) == 0 &&
		len(r.StaleStream) == 0
}

// CheckIntegrity compares the registry with what every partition holds.
// Migrations running concurrently may show up as transient findings.
func (i *Index) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	var rep IntegrityReport
	held := make(map[cluster.PartitionID]map[cluster.InnerKey]bool)

	for _, id := range i.Partitions() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		c, err := i.client(ctx, id)
		if err != nil {
			rep.Unreachable = append(rep.Unreachable, id)
			continue
		}
		keys, err := c.InnerKeys(ctx)
		i.observe("inner_keys", err)
		if err != nil {
			rep.Unreachable = append(rep.Unreachable, id)
			continue
		}
		set := make(map[cluster.InnerKey]bool, len(keys))
		for _, k := range keys {
			set[k] = true
		}
		held[id] = set

		locs, err := c.ScanSubDBs(ctx)
		i.observe("scan_subdbs", err)
		if err != nil {
			rep.Unreachable = append(rep.Unreachable, id)
			delete(held, id)
			continue
		}
		for _, l := range locs {
			e, ok := i.reg.Get(l.Outer)
			if !ok || e.Outer.Partition != id || e.Inner != l.Inner {
				rep.StaleLocations = append(rep.StaleLocations, l)
			}
		}
	}

	referenced := make(map[cluster.InnerRef]bool)
	for _, e := range i.reg.All() {
		referenced[e.Inner] = true
		set, reachable := held[e.Inner.Partition]
		if reachable && !set[e.Inner.Key] {
			rep.Missing = append(rep.Missing, e)
		}
	}
	for _, id := range i.Partitions() {
		set, ok := held[id]
		if !ok {
			continue
		}
		for _, k := range sortedKeys(set) {
			ref := cluster.InnerRef{Key: k, Partition: id}
			if !referenced[ref] {
				rep.Orphans = append(rep.Orphans, ref)
			}
		}
	}
	return rep, i.checkStream(ctx, &rep)
}

// checkStream walks the order half of the items stream. A partition that
// cannot be read is already listed as unreachable.
func (i *Index) checkStream(ctx context.Context, rep *IntegrityReport) error {
	st, ok := i.GetAllItemsStream()
	if !ok {
		return nil
	}
	opts := subdb.ScanOptions{UpperBound: seqKey(math.MaxUint64), Limit: 256}
	for {
		res, err := i.Scan(ctx, st.Order, opts)
		if dberr.IsRetryable(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range res.Results {
			text, _ := e.Value.AsText()
			ref, err := cluster.ParseOuterRef(text)
			if err != nil {
				i.log.Warn().Err(err).Str("seq", e.Key).Msg("malformed items stream entry")
				continue
			}
			if _, live := i.Resolve(ref); !live {
				rep.StaleStream = append(rep.StaleStream, ref)
			}
		}
		var more bool
		if opts, more = opts.Next(res); !more {
			return nil
		}
	}
}

func sortedKeys(set map[cluster.InnerKey]bool) []cluster.InnerKey {
	keys := make([]cluster.InnerKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
