package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/api"
	"github.com/dreamware/subdb/internal/auth"
	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/config"
	"github.com/dreamware/subdb/internal/coordinator"
	"github.com/dreamware/subdb/internal/dberr"
	"github.com/dreamware/subdb/internal/index"
	"github.com/dreamware/subdb/internal/partition"
	"github.com/dreamware/subdb/internal/subdb"
	"github.com/dreamware/subdb/internal/transport"
	"github.com/dreamware/subdb/internal/value"
)

var (
	aliceKey = []byte("alice")
	bobKey   = []byte("bob")
	alice    = string(auth.IdentityOf(aliceKey))
	bob      = string(auth.IdentityOf(bobKey))
)

func testConfig(standalone bool) config.Coordinator {
	cfg := config.Coordinator{
		KeyMaterial:    "index-secret",
		Owners:         []string{alice},
		HealthInterval: time.Hour,
		Standalone:     standalone,
	}
	cfg.Limits.MaxEntries = 1000
	return cfg
}

type harness struct {
	s   *server
	srv *httptest.Server
	rl  *cluster.Relay
}

func newHarness(t *testing.T, cfg config.Coordinator) *harness {
	t.Helper()
	s, err := newServer(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return &harness{s: s, srv: srv, rl: cluster.NewRelay(5*time.Second, 0)}
}

func (h *harness) post(t *testing.T, path string, req, out any) error {
	t.Helper()
	return h.rl.Post(context.Background(), h.srv.URL+path, req, out)
}

func (h *harness) get(t *testing.T, path string, out any) error {
	t.Helper()
	return h.rl.Get(context.Background(), h.srv.URL+path, out)
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.post(t, "/init", api.InitRequest{}, nil))
}

func (h *harness) createSubDB(t *testing.T, userData string) cluster.Refs {
	t.Helper()
	var refs cluster.Refs
	require.NoError(t, h.post(t, "/createSubDB", api.CreateSubDBRequest{Cred: aliceKey, UserData: userData}, &refs))
	return refs
}

func (h *harness) insert(t *testing.T, ref cluster.OuterRef, sk string, v value.Value) {
	t.Helper()
	require.NoError(t, h.post(t, "/insert", api.InsertRequest{Cred: aliceKey, Ref: ref, SK: sk, Value: v}, &api.InsertResponse{}))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, testConfig(true))
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestInitOnce(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.init(t)

	var owners api.OwnersResponse
	require.NoError(t, h.get(t, "/owners", &owners))
	assert.Equal(t, []string{alice}, owners.Owners)

	err := h.post(t, "/init", api.InitRequest{Owners: []string{bob}}, nil)
	require.Error(t, err)

	var stream api.StreamResponse
	require.NoError(t, h.get(t, "/stream", &stream))
	assert.True(t, stream.Found)
}

func TestSubDBLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.init(t)

	refs := h.createSubDB(t, "profile")
	h.insert(t, refs.Outer, "name", value.Text("alice"))
	h.insert(t, refs.Outer, "age", value.Int(30))

	var got api.GetResponse
	require.NoError(t, h.post(t, "/get", api.KeyRequest{Ref: refs.Outer, SK: "name"}, &got))
	require.True(t, got.Found)
	require.NotNil(t, got.Value)
	assert.True(t, got.Value.Equal(value.Text("alice")))

	require.NoError(t, h.post(t, "/get", api.KeyRequest{Ref: refs.Outer, SK: "nope"}, &got))
	assert.False(t, got.Found)
	assert.Nil(t, got.Value)

	var has api.HasResponse
	require.NoError(t, h.post(t, "/has", api.KeyRequest{Ref: refs.Outer, SK: "age"}, &has))
	assert.True(t, has.Found)
	require.NoError(t, h.post(t, "/hasSubDB", api.KeyRequest{Ref: refs.Outer}, &has))
	assert.True(t, has.Found)

	var size api.SizeResponse
	require.NoError(t, h.post(t, "/size", api.KeyRequest{Ref: refs.Outer}, &size))
	assert.Equal(t, api.SizeResponse{Found: true, Size: 2}, size)

	var ud api.UserDataResponse
	require.NoError(t, h.post(t, "/userData", api.KeyRequest{Ref: refs.Outer}, &ud))
	assert.Equal(t, api.UserDataResponse{Found: true, UserData: "profile"}, ud)

	var page subdb.ScanResult
	require.NoError(t, h.post(t, "/scan", api.ScanRequest{Ref: refs.Outer, Options: subdb.ScanOptions{Limit: 1}}, &page))
	require.Len(t, page.Results, 1)
	assert.Equal(t, "age", page.Results[0].Key)
	require.NotNil(t, page.NextKey)
	assert.Equal(t, "name", *page.NextKey)

	require.NoError(t, h.post(t, "/delete", api.KeyRequest{Cred: aliceKey, Ref: refs.Outer, SK: "age"}, nil))
	require.NoError(t, h.post(t, "/size", api.KeyRequest{Ref: refs.Outer}, &size))
	assert.Equal(t, 1, size.Size)

	require.NoError(t, h.post(t, "/deleteSubDB", api.KeyRequest{Cred: aliceKey, Ref: refs.Outer}, nil))
	require.NoError(t, h.post(t, "/hasSubDB", api.KeyRequest{Ref: refs.Outer}, &has))
	assert.False(t, has.Found)

	err := h.post(t, "/deleteSubDB", api.KeyRequest{Cred: aliceKey, Ref: refs.Outer}, nil)
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestErrorsKeepTheirCode(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.init(t)
	refs := h.createSubDB(t, "")

	err := h.post(t, "/insert", api.InsertRequest{Cred: bobKey, Ref: refs.Outer, SK: "k", Value: value.Int(1)}, nil)
	assert.ErrorIs(t, err, dberr.ErrUnauthorized)

	capOne := 1
	var created cluster.Refs
	require.NoError(t, h.post(t, "/createSubDB", api.CreateSubDBRequest{Cred: aliceKey, HardCap: &capOne}, &created))
	h.insert(t, created.Outer, "a", value.Int(1))
	err = h.post(t, "/insert", api.InsertRequest{Cred: aliceKey, Ref: created.Outer, SK: "b", Value: value.Int(2)}, nil)
	assert.ErrorIs(t, err, dberr.ErrCapacityExceeded)

	resp, err := http.Post(h.srv.URL+"/insert", cluster.ContentType, http.NoBody)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOwnersAndUpgrade(t *testing.T) {
	h := newHarness(t, testConfig(true))
	h.init(t)
	var id cluster.CreatePartitionResponse
	require.NoError(t, h.post(t, "/createPartition", api.CredRequest{Cred: aliceKey}, &id))
	assert.NotEmpty(t, id.ID)

	var parts api.PartitionsResponse
	require.NoError(t, h.get(t, "/partitions", &parts))
	assert.Len(t, parts.Partitions, 2)

	var rep index.UpgradeReport
	require.NoError(t, h.post(t, "/upgrade", api.UpgradeRequest{Cred: aliceKey, Start: 0, End: 10, Version: 2}, &rep))
	assert.ElementsMatch(t, parts.Partitions, rep.Upgraded)
	assert.Empty(t, rep.Failed)

	err := h.post(t, "/upgrade", api.UpgradeRequest{Cred: bobKey, End: 1, Version: 3}, &rep)
	assert.ErrorIs(t, err, dberr.ErrUnauthorized)

	require.NoError(t, h.post(t, "/owners", api.OwnersRequest{Cred: aliceKey, Owners: []string{bob}}, nil))
	err = h.post(t, "/createSubDB", api.CreateSubDBRequest{Cred: aliceKey}, nil)
	assert.ErrorIs(t, err, dberr.ErrUnauthorized)
	var refs cluster.Refs
	require.NoError(t, h.post(t, "/createSubDB", api.CreateSubDBRequest{Cred: bobKey}, &refs))

	var integrity index.IntegrityReport
	require.NoError(t, h.get(t, "/integrity", &integrity))
	assert.True(t, integrity.OK(), "%+v", integrity)
}

func TestRestartRestoresState(t *testing.T) {
	cfg := testConfig(true)
	cfg.DataDir = t.TempDir()

	s, err := newServer(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	h := &harness{s: s, srv: srv, rl: cluster.NewRelay(5*time.Second, 0)}
	h.init(t)
	refs := h.createSubDB(t, "kept")
	h.insert(t, refs.Outer, "k", value.Int(9))
	srv.Close()
	require.NoError(t, s.Close())

	h2 := newHarness(t, cfg)
	var got api.GetResponse
	require.NoError(t, h2.post(t, "/get", api.KeyRequest{Ref: refs.Outer, SK: "k"}, &got))
	require.True(t, got.Found)
	assert.True(t, got.Value.Equal(value.Int(9)))

	// a second Init is still refused after the restart
	assert.Error(t, h2.post(t, "/init", api.InitRequest{}, nil))
}

// startNode serves a partition pool the way a node does, with outer relays
// resolved through the coordinator under test.
func startNode(t *testing.T, coordURL string) *httptest.Server {
	t.Helper()
	return serveNode(t, nodePool(t, coordURL))
}

func nodePool(t *testing.T, coordURL string) *partition.Pool {
	t.Helper()
	pool := partition.NewPool(partition.Limits{}, nil)
	dir, err := transport.NewDirectory(coordURL, cluster.NewRelay(2*time.Second, 0), 16)
	require.NoError(t, err)
	pool.SetRemote(dir)
	return pool
}

func serveNode(t *testing.T, pool *partition.Pool) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	transport.NewHandler(pool).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClusterMode(t *testing.T) {
	h := newHarness(t, testConfig(false))
	n1 := startNode(t, h.srv.URL)
	n2 := startNode(t, h.srv.URL)

	// nothing can be placed before a node registers
	err := h.post(t, "/init", api.InitRequest{}, nil)
	assert.ErrorIs(t, err, dberr.ErrPartitionUnavailable)

	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: n1.URL}}, nil))
	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n2", Addr: n2.URL}}, nil))
	assert.Error(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n3"}}, nil))

	h.init(t)
	var id cluster.CreatePartitionResponse
	require.NoError(t, h.post(t, "/createPartition", api.CredRequest{Cred: aliceKey}, &id))

	var addr cluster.PartitionAddr
	require.NoError(t, h.get(t, "/partitions/"+string(id.ID), &addr))
	assert.Equal(t, id.ID, addr.ID)
	assert.Contains(t, []string{n1.URL, n2.URL}, addr.Addr)
	assert.ErrorIs(t, h.get(t, "/partitions/missing", &addr), dberr.ErrNotFound)

	refs := h.createSubDB(t, "remote")
	h.insert(t, refs.Outer, "k", value.Text("v"))
	var got api.GetResponse
	require.NoError(t, h.post(t, "/get", api.KeyRequest{Ref: refs.Outer, SK: "k"}, &got))
	assert.True(t, got.Found)

	var nodes api.NodesResponse
	require.NoError(t, h.get(t, "/nodes", &nodes))
	require.Len(t, nodes.Nodes, 2)
	total := 0
	for _, n := range nodes.Nodes {
		assert.Equal(t, coordinator.StatusUnknown, n.Status)
		total += len(n.Partitions)
	}
	assert.Equal(t, 2, total)
}

func TestReRegisteredNodeIsReachedAtNewAddress(t *testing.T) {
	h := newHarness(t, testConfig(false))
	pool := nodePool(t, h.srv.URL)
	old := serveNode(t, pool)
	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: old.URL}}, nil))
	h.init(t)
	refs := h.createSubDB(t, "")
	h.insert(t, refs.Outer, "k", value.Text("v"))

	// the node restarts with its partitions on another port
	old.Close()
	moved := serveNode(t, pool)
	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: moved.URL}}, nil))

	var got api.GetResponse
	require.NoError(t, h.post(t, "/get", api.KeyRequest{Ref: refs.Outer, SK: "k"}, &got))
	require.True(t, got.Found)
	assert.True(t, got.Value.Equal(value.Text("v")))
	h.insert(t, refs.Outer, "k2", value.Text("v2"))
}

func TestUnhealthyNodeLeavesPlacement(t *testing.T) {
	h := newHarness(t, testConfig(false))
	n1 := startNode(t, h.srv.URL)
	n2 := startNode(t, h.srv.URL)
	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: n1.URL}}, nil))
	require.NoError(t, h.post(t, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n2", Addr: n2.URL}}, nil))
	h.init(t)
	onN1 := h.s.placement.PartitionsOn("n1")
	require.Len(t, onN1, 1)

	h.s.health.SetCheckFunction(func(_ context.Context, addr string) error {
		if addr == n1.URL {
			return dberr.ErrPartitionUnavailable
		}
		return nil
	})
	for i := 0; i < 3; i++ {
		h.s.health.CheckAll(context.Background(), h.s.placement.Nodes())
	}

	var parts api.PartitionsResponse
	require.NoError(t, h.get(t, "/partitions", &parts))
	assert.Equal(t, onN1, parts.Unavailable)

	// new sub-databases and partitions avoid the failing node
	refs := h.createSubDB(t, "")
	assert.NotEqual(t, onN1[0], refs.Inner.Partition)
	var id cluster.CreatePartitionResponse
	require.NoError(t, h.post(t, "/createPartition", api.CredRequest{Cred: aliceKey}, &id))
	addr, err := h.s.placement.Lookup(id.ID)
	require.NoError(t, err)
	assert.Equal(t, "n2", addr.NodeID)

	h.s.health.SetCheckFunction(func(context.Context, string) error { return nil })
	h.s.health.CheckAll(context.Background(), h.s.placement.Nodes())
	require.NoError(t, h.get(t, "/partitions", &parts))
	assert.Empty(t, parts.Unavailable)
}
