package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/config"
	"github.com/dreamware/subdb/internal/coordinator"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/index"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/metrics"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/storage"
)

// placementKey names the placement snapshot in the store.
const placementKey = "placement"

// server is the coordinator process: the index plus the cluster state it
// needs to reach partitions.
//
// In cluster mode partitions are provisioned on registered nodes and the
// health monitor takes the partitions of failing nodes out of placement.
// In standalone mode a partition.Pool in this process hosts everything.
type server struct {
	cfg       config.Coordinator
	idx       *index.Index
	placement *coordinator.Placement
	health    *coordinator.HealthMonitor
	pool      *partition.Pool
	store     storage.Store
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func newServer(cfg config.Coordinator) (*server, error) {
	store, err := openStore(cfg.DataDir, "coordinator.db")
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:     cfg,
		store:   store,
		health:  coordinator.NewHealthMonitor(cfg.HealthInterval),
		metrics: metrics.New(),
		log:     logger.GetLogger("coordinator"),
	}

	var st coordinator.PlacementState
	switch err := storage.Load(store, placementKey, &st); {
	case err == nil:
		s.placement = coordinator.RestorePlacement(st)
	case errors.Is(err, storage.ErrKeyNotFound):
		s.placement = coordinator.NewPlacement()
	default:
		_ = store.Close()
		return nil, errors.WithMessage(err, "restore placement")
	}

	var prov index.Provisioner
	if cfg.Standalone {
		s.pool = partition.NewPool(partition.Limits{
			MaxEntries: cfg.Limits.MaxEntries,
			MaxBytes:   cfg.Limits.MaxBytes,
		}, s.metrics)
		if _, err := s.pool.LoadAll(store); err != nil {
			_ = store.Close()
			return nil, errors.WithMessage(err, "restore partitions")
		}
		prov = s.pool
	} else {
		relay := cluster.NewRelay(5*time.Second, 3)
		prov = coordinator.NewProvisioner(s.placement, relay, s.health.IsUnhealthy)
	}

	icfg := index.Config{KeyMaterial: []byte(cfg.KeyMaterial), Provisioner: prov, Metrics: s.metrics}
	switch idx, err := index.Load(store, icfg); {
	case err == nil:
		s.idx = idx
		s.log.Info().Int("partitions", len(idx.Partitions())).Msg("index restored")
	case errors.Is(err, storage.ErrKeyNotFound):
		s.idx = index.New(icfg)
	default:
		_ = store.Close()
		return nil, errors.WithMessage(err, "restore index")
	}

	s.health.SetOnUnhealthy(func(nodeID string) {
		ids := s.placement.PartitionsOn(nodeID)
		s.idx.MarkUnavailable(ids...)
		s.log.Warn().Str("node", nodeID).Int("partitions", len(ids)).Msg("partitions unavailable")
	})
	s.health.SetOnRecovered(func(nodeID string) {
		ids := s.placement.PartitionsOn(nodeID)
		s.idx.MarkAvailable(ids...)
		s.log.Info().Str("node", nodeID).Int("partitions", len(ids)).Msg("partitions available again")
	})
	return s, nil
}

func openStore(dir, file string) (storage.Store, error) {
	if dir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBolt(filepath.Join(dir, file), storage.BoltOptions{})
}

// Router returns the coordinator's HTTP routes.
func (s *server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/register", s.handleRegister)
	r.Get("/nodes", s.handleNodes)
	r.Get("/partitions", s.handlePartitions)
	r.Get("/partitions/{id}", s.handlePartitionAddr)

	r.Post("/init", s.handleInit)
	r.Get("/owners", s.handleGetOwners)
	r.Post("/owners", s.handleSetOwners)
	r.Post("/createPartition", s.handleCreatePartition)
	r.Post("/createSubDB", s.handleCreateSubDB)
	r.Post("/insert", s.handleInsert)
	r.Post("/get", s.handleGet)
	r.Post("/has", s.handleHas)
	r.Post("/hasSubDB", s.handleHasSubDB)
	r.Post("/scan", s.handleScan)
	r.Post("/size", s.handleSize)
	r.Post("/userData", s.handleUserData)
	r.Post("/delete", s.handleDelete)
	r.Post("/deleteSubDB", s.handleDeleteSubDB)
	r.Post("/upgrade", s.handleUpgrade)
	r.Get("/stream", s.handleStream)
	r.Get("/integrity", s.handleIntegrity)
	return r
}

// save snapshots the placement, the index and, in standalone mode, the
// local partitions.
func (s *server) save() error {
	if err := storage.Save(s.store, placementKey, s.placement.Snapshot()); err != nil {
		return err
	}
	if err := s.idx.Save(s.store); err != nil {
		return err
	}
	if s.pool != nil {
		return s.pool.SaveAll(s.store)
	}
	return nil
}

// Close saves once more and closes the store.
func (s *server) Close() error {
	err := s.save()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// autoInit initializes the index with the configured owners in standalone
// mode, where the first partition can always be provisioned.
func (s *server) autoInit(ctx context.Context) error {
	if !s.cfg.Standalone || len(s.cfg.Owners) == 0 {
		return nil
	}
	err := s.idx.Init(ctx, auth.Identities(s.cfg.Owners))
	if errors.Is(err, index.ErrAlreadyInitialized) {
		return nil
	}
	return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := cluster.ReadMsgpack(r, v); err != nil {
		cluster.WriteError(w, errors.Wrapf(dberr.ErrMalformedValue, "decode %s request: %v", r.URL.Path, err))
		return false
	}
	return true
}

// reply writes v with 200, or err through the error taxonomy.
func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = cluster.WriteMsgpack(w, http.StatusOK, v)
}
