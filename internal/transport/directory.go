package transport

import (
	"context"
	"net/url"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/partition"
)

var _ partition.Directory = (*Directory)(nil)

// Directory resolves partition identities to clients by asking the
// coordinator (GET /partitions/{id}) which node hosts each one. Answers are
// kept in an LRU cache. A client whose node cannot be reached forgets its
// answer, so the next lookup asks the coordinator again.
type Directory struct {
	coord string
	relay *cluster.Relay
	cache *lru.Cache
}

// NewDirectory creates a directory backed by the coordinator at coord,
// caching up to size clients.
func NewDirectory(coord string, relay *cluster.Relay, size int) (*Directory, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "partition directory cache")
	}
	return &Directory{coord: coord, relay: relay, cache: cache}, nil
}

// Lookup implements partition.Directory.
func (d *Directory) Lookup(ctx context.Context, id cluster.PartitionID) (partition.Client, error) {
	if c, ok := d.cache.Get(id); ok {
		return c.(*PartitionClient), nil
	}
	var addr cluster.PartitionAddr
	if err := d.relay.Get(ctx, d.coord+"/partitions/"+url.PathEscape(string(id)), &addr); err != nil {
		return nil, errors.WithMessagef(err, "locate partition %s", id)
	}
	c := NewPartitionClient(id, addr.Addr, d.relay)
	c.stale = func() { d.Forget(id) }
	d.cache.Add(id, c)
	return c, nil
}

// Forget drops the cached location of id.
func (d *Directory) Forget(id cluster.PartitionID) {
	d.cache.Remove(id)
}

// Len is the number of cached locations.
func (d *Directory) Len() int { return d.cache.Len() }
