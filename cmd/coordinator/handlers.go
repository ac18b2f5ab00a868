package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/api"
	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/coordinator"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/index"
)

// handleRegister adds a node to the cluster or updates its address.
//
// Endpoint: POST /register
//
// A node that registers again after a restart keeps its partitions. The
// coordinator learns the (possibly new) address and the index drops the
// clients it holds for those partitions.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	isNew, err := s.placement.Register(req.Node)
	if err != nil {
		cluster.WriteError(w, errors.Wrap(dberr.ErrMalformedValue, err.Error()))
		return
	}
	if isNew {
		s.log.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Msg("node registered")
	} else {
		s.idx.Forget(s.placement.PartitionsOn(req.Node.ID)...)
		s.log.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Msg("node re-registered")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNodes lists registered nodes with their health and partitions.
func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.placement.Nodes()
	resp := api.NodesResponse{Nodes: make([]api.NodeStatus, 0, len(nodes))}
	for _, n := range nodes {
		status := coordinator.StatusUnknown
		if h := s.health.GetNodeHealth(n.ID); h != nil {
			status = h.Status
		}
		resp.Nodes = append(resp.Nodes, api.NodeStatus{
			ID:         n.ID,
			Addr:       n.Addr,
			Status:     status,
			Partitions: s.placement.PartitionsOn(n.ID),
		})
	}
	reply(w, resp, nil)
}

func (s *server) handlePartitions(w http.ResponseWriter, _ *http.Request) {
	reply(w, api.PartitionsResponse{
		Partitions:  s.idx.Partitions(),
		Placement:   s.placement.All(),
		Unavailable: s.idx.Unavailable(),
	}, nil)
}

// handlePartitionAddr answers a node's directory lookup.
//
// Endpoint: GET /partitions/{id}
func (s *server) handlePartitionAddr(w http.ResponseWriter, r *http.Request) {
	addr, err := s.placement.Lookup(cluster.PartitionID(chi.URLParam(r, "id")))
	reply(w, addr, err)
}

// handleInit sets the first owner set and provisions the first partition.
// It succeeds once; later calls answer 409.
func (s *server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req api.InitRequest
	if !decode(w, r, &req) {
		return
	}
	owners := req.Owners
	if len(owners) == 0 {
		owners = s.cfg.Owners
	}
	err := s.idx.Init(r.Context(), auth.Identities(owners))
	if errors.Is(err, index.ErrAlreadyInitialized) {
		_ = cluster.WriteMsgpack(w, http.StatusConflict, cluster.ErrorResponse{
			Code: dberr.CodeInternal, Message: err.Error(),
		})
		return
	}
	reply(w, nil, err)
}

func (s *server) handleGetOwners(w http.ResponseWriter, _ *http.Request) {
	reply(w, api.OwnersResponse{Owners: auth.Strings(s.idx.Owners())}, nil)
}

// handleSetOwners replaces the owner set. Partitions that could not take
// the new owners are reported as an error after the index has switched.
func (s *server) handleSetOwners(w http.ResponseWriter, r *http.Request) {
	var req api.OwnersRequest
	if !decode(w, r, &req) {
		return
	}
	reply(w, nil, s.idx.SetOwners(r.Context(), req.Cred, auth.Identities(req.Owners)))
}

func (s *server) handleCreatePartition(w http.ResponseWriter, r *http.Request) {
	var req api.CredRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.idx.CreatePartition(r.Context(), req.Cred)
	reply(w, cluster.CreatePartitionResponse{ID: id}, err)
}

func (s *server) handleCreateSubDB(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSubDBRequest
	if !decode(w, r, &req) {
		return
	}
	refs, err := s.idx.CreateSubDB(r.Context(), req.Cred, req.UserData, req.HardCap)
	reply(w, refs, err)
}

// handleInsert writes one entry through the index. The response carries
// the inner reference the sub-database lives at after the call, which
// differs from the previous one when the write triggered a migration.
func (s *server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req api.InsertRequest
	if !decode(w, r, &req) {
		return
	}
	inner, err := s.idx.Insert(r.Context(), req.Cred, req.Ref, req.SK, req.Value, req.HardCap)
	reply(w, api.InsertResponse{Inner: inner}, err)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	v, found, err := s.idx.Get(r.Context(), req.Ref, req.SK)
	resp := api.GetResponse{Found: found}
	if found {
		resp.Value = &v
	}
	reply(w, resp, err)
}

func (s *server) handleHas(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	found, err := s.idx.Has(r.Context(), req.Ref, req.SK)
	reply(w, api.HasResponse{Found: found}, err)
}

func (s *server) handleHasSubDB(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	found, err := s.idx.HasSubDB(r.Context(), req.Ref)
	reply(w, api.HasResponse{Found: found}, err)
}

func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req api.ScanRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.idx.Scan(r.Context(), req.Ref, req.Options)
	reply(w, res, err)
}

func (s *server) handleSize(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	n, found, err := s.idx.Size(r.Context(), req.Ref)
	reply(w, api.SizeResponse{Found: found, Size: n}, err)
}

func (s *server) handleUserData(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	ud, found, err := s.idx.UserData(r.Context(), req.Ref)
	reply(w, api.UserDataResponse{Found: found, UserData: ud}, err)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	reply(w, nil, s.idx.Delete(r.Context(), req.Cred, req.Ref, req.SK))
}

func (s *server) handleDeleteSubDB(w http.ResponseWriter, r *http.Request) {
	var req api.KeyRequest
	if !decode(w, r, &req) {
		return
	}
	reply(w, nil, s.idx.DeleteSubDB(r.Context(), req.Cred, req.Ref))
}

// handleUpgrade upgrades a range of partitions. Per-partition failures are
// listed in the report and do not fail the request; only an authorization
// failure does.
func (s *server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req api.UpgradeRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := s.idx.UpgradePartitionsInRange(r.Context(), req.Cred, req.Start, req.End, req.Version)
	if err != nil {
		if errors.Is(err, dberr.ErrUnauthorized) {
			cluster.WriteError(w, err)
			return
		}
		s.log.Warn().Err(err).Int("failed", len(rep.Failed)).Msg("upgrade incomplete")
	}
	reply(w, rep, nil)
}

func (s *server) handleStream(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.idx.GetAllItemsStream()
	reply(w, api.StreamResponse{Found: ok, Order: st.Order, Reverse: st.Reverse}, nil)
}

func (s *server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	rep, err := s.idx.CheckIntegrity(r.Context())
	reply(w, rep, err)
}
