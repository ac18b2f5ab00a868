package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/config"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/storage"
	"github.com/dreamware/subdb/internal/transport"
)

// Node hosts partitions for the cluster.
//
// Partitions are created when the coordinator asks for them
// (POST /partitions) and are served over the transport RPC routes. Outer
// calls for sub-databases that live elsewhere are relayed through a
// directory that asks the coordinator where each partition lives.
//
// Endpoints:
//
//	GET  /health               liveness for the coordinator's monitor
//	GET  /info                 node id and per-partition occupancy
//	GET  /metrics              prometheus
//	POST /partitions           host a new partition
//	POST /p/{id}/rpc/{method}  partition calls
type Node struct {
	ID      string
	cfg     config.Node
	pool    *partition.Pool
	dir     *transport.Directory
	store   storage.Store
	relay   *cluster.Relay
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NodeInfo is the body of GET /info.
type NodeInfo struct {
	ID         string           `msgpack:"id"`
	Addr       string           `msgpack:"addr"`
	Partitions []partition.Info `msgpack:"partitions"`
}

// NewNode builds a node from cfg and restores any partition snapshots
// found in its data directory.
func NewNode(cfg config.Node) (*Node, error) {
	store, err := openStore(cfg.DataDir, "partitions.db")
	if err != nil {
		return nil, err
	}
	relay := cluster.NewRelay(5*time.Second, 3)
	dir, err := transport.NewDirectory(cfg.CoordinatorAddr, relay, cfg.DirectoryCache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	m := metrics.New()
	pool := partition.NewPool(partition.Limits{
		MaxEntries: cfg.Limits.MaxEntries,
		MaxBytes:   cfg.Limits.MaxBytes,
	}, m)
	pool.SetRemote(dir)

	n := &Node{
		ID:      cfg.NodeID,
		cfg:     cfg,
		pool:    pool,
		dir:     dir,
		store:   store,
		relay:   relay,
		metrics: m,
		log:     logger.GetLogger("node").Named(cfg.NodeID),
	}
	loaded, err := pool.LoadAll(store)
	if err != nil {
		_ = store.Close()
		return nil, errors.WithMessage(err, "restore partitions")
	}
	if loaded > 0 {
		n.log.Info().Int("partitions", loaded).Msg("partitions restored")
	}
	return n, nil
}

// openStore opens a bbolt file under dir, or an in-memory store when dir
// is empty.
func openStore(dir, file string) (storage.Store, error) {
	if dir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBolt(filepath.Join(dir, file), storage.BoltOptions{})
}

// Router returns the node's HTTP routes.
func (n *Node) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/info", n.handleInfo)
	r.Method(http.MethodGet, "/metrics", n.metrics.Handler())
	transport.NewHandler(n.pool).Register(r)
	return r
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := NodeInfo{ID: n.ID, Addr: n.cfg.PublicAddr, Partitions: []partition.Info{}}
	for _, id := range n.pool.IDs() {
		p, ok := n.pool.Get(id)
		if !ok {
			continue
		}
		pi, err := p.Info(r.Context())
		if err != nil {
			cluster.WriteError(w, err)
			return
		}
		info.Partitions = append(info.Partitions, pi)
	}
	_ = cluster.WriteMsgpack(w, http.StatusOK, info)
}

// register announces the node to the coordinator, retrying with
// exponential backoff until ctx ends or the budget runs out.
func (n *Node) register(ctx context.Context) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: n.ID, Addr: n.cfg.PublicAddr}}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := n.relay.Post(ctx, n.cfg.CoordinatorAddr+"/register", body, nil)
		if err != nil {
			n.log.Warn().Err(err).Int("attempt", attempt).Msg("registration failed")
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return errors.WithMessage(err, "register with coordinator")
	}
	n.log.Info().Str("coordinator", n.cfg.CoordinatorAddr).Msg("registered")
	return nil
}

// save snapshots every hosted partition.
func (n *Node) save() error {
	if err := n.pool.SaveAll(n.store); err != nil {
		return err
	}
	n.log.Debug().Int("partitions", len(n.pool.IDs())).Msg("partitions saved")
	return nil
}

// Close saves the partitions one last time and closes the store.
func (n *Node) Close() error {
	err := n.save()
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	return err
}
