package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/transport"
)

// Provisioner creates partitions on registered nodes and hands the index
// remote clients for them. It implements index.Provisioner.
type Provisioner struct {
	placement *Placement
	relay     *cluster.Relay
	skip      func(nodeID string) bool
	log       *logger.Logger
}

// NewProvisioner creates a provisioner over placement. Nodes for which skip
// returns true receive no new partitions; a nil skip uses every node.
func NewProvisioner(placement *Placement, relay *cluster.Relay, skip func(nodeID string) bool) *Provisioner {
	return &Provisioner{
		placement: placement,
		relay:     relay,
		skip:      skip,
		log:       logger.GetLogger("provisioner"),
	}
}

// Provision asks the next eligible node to host a new partition owned by
// owners. Nodes that refuse or cannot be reached are skipped in turn.
func (p *Provisioner) Provision(ctx context.Context, owners []auth.Identity) (partition.Client, error) {
	nodes := p.placement.Candidates(p.skip)
	if len(nodes) == 0 {
		return nil, errors.Wrap(dberr.ErrPartitionUnavailable, "no nodes available for a new partition")
	}

	var errs error
	for _, node := range nodes {
		req := cluster.CreatePartitionRequest{ID: cluster.NewPartitionID(), Owners: auth.Strings(owners)}
		var resp cluster.CreatePartitionResponse
		if err := p.relay.Post(ctx, node.Addr+"/partitions", req, &resp); err != nil {
			p.log.Warn().Err(err).Str("node", node.ID).Msg("partition creation failed, trying next node")
			errs = multierr.Append(errs, errors.WithMessagef(err, "node %s", node.ID))
			continue
		}
		if err := p.placement.Assign(resp.ID, node.ID); err != nil {
			return nil, err
		}
		p.log.Info().Str("partition", string(resp.ID)).Str("node", node.ID).Msg("partition placed")
		return transport.NewPartitionClient(resp.ID, node.Addr, p.relay), nil
	}
	return nil, errors.Wrap(dberr.ErrPartitionUnavailable, errs.Error())
}

// Lookup implements partition.Directory from the placement table.
func (p *Provisioner) Lookup(_ context.Context, id cluster.PartitionID) (partition.Client, error) {
	addr, err := p.placement.Lookup(id)
	if err != nil {
		return nil, err
	}
	return transport.NewPartitionClient(id, addr.Addr, p.relay), nil
}
