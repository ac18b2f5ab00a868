package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/logger"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
)

type rpcFunc func(ctx context.Context, p partition.Client, req request) (response, error)

// Handler serves the partitions of a Pool over HTTP:
//
//	POST /partitions              create a partition (cluster.CreatePartitionRequest)
//	POST /p/{id}/rpc/{method}     call one partition.Client method
//
// Only partitions hosted by the pool are served; a call for any other
// partition fails with dberr.ErrPartitionUnavailable.
type Handler struct {
	pool    *partition.Pool
	log     *logger.Logger
	methods map[string]rpcFunc
}

// NewHandler serves the partitions hosted by pool.
func NewHandler(pool *partition.Pool) *Handler {
	return &Handler{
		pool:    pool,
		log:     logger.GetLogger("transport"),
		methods: methods(),
	}
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/partitions", h.createPartition)
	r.Post("/p/{id}/rpc/{method}", h.rpc)
}

func (h *Handler) createPartition(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreatePartitionRequest
	if err := cluster.ReadMsgpack(r, &req); err != nil {
		cluster.WriteError(w, errors.Wrap(dberr.ErrMalformedValue, "decode create partition request"))
		return
	}
	if len(req.Owners) == 0 {
		cluster.WriteError(w, errors.Wrap(dberr.ErrUnauthorized, "a partition needs at least one owner"))
		return
	}
	p, err := h.pool.Create(req.ID, auth.Identities(req.Owners))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	h.log.Info().Str("partition", string(p.ID())).Int("owners", len(req.Owners)).Msg("partition created")
	_ = cluster.WriteMsgpack(w, http.StatusCreated, cluster.CreatePartitionResponse{ID: p.ID()})
}

func (h *Handler) rpc(w http.ResponseWriter, r *http.Request) {
	id := cluster.PartitionID(chi.URLParam(r, "id"))
	method := chi.URLParam(r, "method")

	fn, ok := h.methods[method]
	if !ok {
		cluster.WriteError(w, errors.Errorf("unknown method %q", method))
		return
	}
	p, ok := h.pool.Get(id)
	if !ok {
		cluster.WriteError(w, errors.Wrapf(dberr.ErrPartitionUnavailable, "partition %s is not hosted here", id))
		return
	}
	var req request
	if err := cluster.ReadMsgpack(r, &req); err != nil {
		cluster.WriteError(w, errors.Wrapf(dberr.ErrMalformedValue, "decode %s request: %v", method, err))
		return
	}

	resp, err := fn(r.Context(), p, req)
	if err != nil {
		resp.Err = &cluster.ErrorResponse{Code: dberr.Code(err), Message: err.Error()}
		h.log.Debug().Err(err).Str("partition", string(id)).Str("method", method).Msg("call failed")
	}
	if werr := cluster.WriteMsgpack(w, http.StatusOK, resp); werr != nil {
		h.log.Warn().Err(werr).Str("method", method).Msg("write response")
	}
}

func methods() map[string]rpcFunc {
	return map[string]rpcFunc{
		MethodGetByInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			v, ok, err := p.GetByInner(ctx, req.Inner, req.SK)
			return response{Found: ok, Value: valuePtr(v, ok)}, err
		},
		MethodHasByInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ok, err := p.HasByInner(ctx, req.Inner, req.SK)
			return response{Found: ok}, err
		},
		MethodHasSubDBByInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ok, err := p.HasSubDBByInner(ctx, req.Inner)
			return response{Found: ok}, err
		},
		MethodSubDBSizeByInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			n, ok, err := p.SubDBSizeByInner(ctx, req.Inner)
			return response{N: n, Found: ok}, err
		},
		MethodSuperDBSize: func(ctx context.Context, p partition.Client, _ request) (response, error) {
			n, err := p.SuperDBSize(ctx)
			return response{N: n}, err
		},
		MethodIsOverflowed: func(ctx context.Context, p partition.Client, _ request) (response, error) {
			over, err := p.IsOverflowed(ctx)
			return response{Overflow: over}, err
		},
		MethodRawGetSubDB: func(ctx context.Context, p partition.Client, req request) (response, error) {
			raw, ok, err := p.RawGetSubDB(ctx, req.Inner)
			if err != nil || !ok {
				return response{}, err
			}
			return response{Found: true, Raw: &raw}, nil
		},
		MethodScanLimitInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			res, err := p.ScanLimitInner(ctx, req.Inner, req.Scan)
			return response{Scan: &res}, err
		},
		MethodScanSubDBs: func(ctx context.Context, p partition.Client, _ request) (response, error) {
			locs, err := p.ScanSubDBs(ctx)
			return response{Locations: locs}, err
		},
		MethodInnerKeys: func(ctx context.Context, p partition.Client, _ request) (response, error) {
			keys, err := p.InnerKeys(ctx)
			return response{Keys: keys}, err
		},
		MethodGetInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ref, ok, err := p.GetInner(ctx, req.Outer)
			return response{Ref: ref, Found: ok}, err
		},
		MethodInfo: func(ctx context.Context, p partition.Client, _ request) (response, error) {
			info, err := p.Info(ctx)
			return response{Info: &info}, err
		},
		MethodCreateSubDB: func(ctx context.Context, p partition.Client, req request) (response, error) {
			k, err := p.CreateSubDB(ctx, req.Cred, req.UserData, req.HardCap)
			return response{Inner: k}, err
		},
		MethodInsertInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			if req.Value == nil {
				return response{}, errors.Wrapf(dberr.ErrMalformedValue, "insert %q: no value", req.SK)
			}
			over, err := p.InsertInner(ctx, req.Cred, req.Inner, req.SK, *req.Value, req.HardCap)
			return response{Overflow: over}, err
		},
		MethodDeleteInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.DeleteInner(ctx, req.Cred, req.Inner, req.SK)
		},
		MethodDeleteSubDBInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.DeleteSubDBInner(ctx, req.Cred, req.Inner)
		},
		MethodRawInsertSubDB: func(ctx context.Context, p partition.Client, req request) (response, error) {
			k, err := p.RawInsertSubDB(ctx, req.Cred, rawOf(req), req.Key)
			return response{Inner: k}, err
		},
		MethodRawInsertSubDBAndSetOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			k, err := p.RawInsertSubDBAndSetOuter(ctx, req.Cred, rawOf(req), req.Key, req.Outer)
			return response{Inner: k}, err
		},
		MethodRawDeleteSubDB: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.RawDeleteSubDB(ctx, req.Cred, req.Inner)
		},
		MethodGetSubDBUserDataInner: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ud, ok, err := p.GetSubDBUserDataInner(ctx, req.Cred, req.Inner)
			return response{Text: ud, Found: ok}, err
		},
		MethodCreateOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.CreateOuter(ctx, req.Cred, req.Outer, req.Ref)
		},
		MethodPutLocation: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.PutLocation(ctx, req.Cred, req.Outer, req.Ref)
		},
		MethodDeleteSubDBOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.DeleteSubDBOuter(ctx, req.Cred, req.Outer)
		},
		MethodGetByOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			v, ok, err := p.GetByOuter(ctx, req.Cred, req.Outer, req.SK)
			return response{Found: ok, Value: valuePtr(v, ok)}, err
		},
		MethodGetOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			v, ok, err := p.GetOuter(ctx, req.Cred, req.OuterRef, req.SK)
			return response{Found: ok, Value: valuePtr(v, ok)}, err
		},
		MethodHasByOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ok, err := p.HasByOuter(ctx, req.Cred, req.Outer, req.SK)
			return response{Found: ok}, err
		},
		MethodHasSubDBByOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ok, err := p.HasSubDBByOuter(ctx, req.Cred, req.Outer)
			return response{Found: ok}, err
		},
		MethodSubDBSizeByOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			n, ok, err := p.SubDBSizeByOuter(ctx, req.Cred, req.Outer)
			return response{N: n, Found: ok}, err
		},
		MethodSubDBSizeOuterImpl: func(ctx context.Context, p partition.Client, req request) (response, error) {
			n, ok, err := p.SubDBSizeOuterImpl(ctx, req.Cred, req.OuterRef)
			return response{N: n, Found: ok}, err
		},
		MethodGetSubDBUserDataOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			ud, ok, err := p.GetSubDBUserDataOuter(ctx, req.Cred, req.Outer)
			return response{Text: ud, Found: ok}, err
		},
		MethodScanLimitOuter: func(ctx context.Context, p partition.Client, req request) (response, error) {
			res, err := p.ScanLimitOuter(ctx, req.Cred, req.Outer, req.Scan)
			return response{Scan: &res}, err
		},
		MethodSetOwners: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.SetOwners(ctx, req.Cred, auth.Identities(req.Owners))
		},
		MethodUpgrade: func(ctx context.Context, p partition.Client, req request) (response, error) {
			return response{}, p.Upgrade(ctx, req.Cred, req.Version)
		},
	}
}

func rawOf(req request) subdb.RawSubDB {
	if req.Raw == nil {
		return subdb.RawSubDB{}
	}
	return *req.Raw
}
