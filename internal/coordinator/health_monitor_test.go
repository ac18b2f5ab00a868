package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/subdb/internal/cluster"
)

var twoNodes = []cluster.NodeInfo{
	{ID: "node-1", Addr: "http://localhost:8081"},
	{ID: "node-2", Addr: "http://localhost:8082"},
}

// failing returns a check function that fails for the addresses marked in
// the returned set.
func failing() (func(context.Context, string) error, func(addr string, down bool)) {
	var mu sync.Mutex
	down := make(map[string]bool)
	check := func(_ context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if down[addr] {
			return errors.New("node is down")
		}
		return nil
	}
	set := func(addr string, d bool) {
		mu.Lock()
		down[addr] = d
		mu.Unlock()
	}
	return check, set
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.httpClient)
	assert.Empty(t, monitor.GetAllNodeHealth())
}

func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	check, setDown := failing()
	monitor.SetCheckFunction(check)

	var unhealthy []string
	monitor.SetOnUnhealthy(func(nodeID string) { unhealthy = append(unhealthy, nodeID) })

	ctx := context.Background()
	monitor.CheckAll(ctx, twoNodes)
	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))

	setDown("http://localhost:8081", true)

	// two failures are tolerated
	monitor.CheckAll(ctx, twoNodes)
	monitor.CheckAll(ctx, twoNodes)
	assert.False(t, monitor.IsUnhealthy("node-1"))
	assert.Empty(t, unhealthy)

	monitor.CheckAll(ctx, twoNodes)
	assert.True(t, monitor.IsUnhealthy("node-1"))
	assert.False(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
	assert.Equal(t, []string{"node-1"}, unhealthy)

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, 3, health.ConsecutiveFails)

	// further failures do not repeat the callback
	monitor.CheckAll(ctx, twoNodes)
	assert.Equal(t, []string{"node-1"}, unhealthy)
}

func TestHealthMonitorNodeRecovery(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	check, setDown := failing()
	monitor.SetCheckFunction(check)

	var recovered []string
	monitor.SetOnRecovered(func(nodeID string) { recovered = append(recovered, nodeID) })

	ctx := context.Background()
	setDown("http://localhost:8081", true)
	for i := 0; i < 3; i++ {
		monitor.CheckAll(ctx, twoNodes)
	}
	require.True(t, monitor.IsUnhealthy("node-1"))

	setDown("http://localhost:8081", false)
	monitor.CheckAll(ctx, twoNodes)

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.Equal(t, []string{"node-1"}, recovered)
	assert.Equal(t, 0, monitor.GetNodeHealth("node-1").ConsecutiveFails)

	// node-2 was never unhealthy, so it never recovered
	assert.NotContains(t, recovered, "node-2")
}

func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	ctx := context.Background()
	monitor.CheckAll(ctx, twoNodes)
	require.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.CheckAll(ctx, twoNodes[:1])
	all := monitor.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "node-1")
	assert.Nil(t, monitor.GetNodeHealth("node-2"))
	assert.False(t, monitor.IsHealthy("node-2"))
	assert.False(t, monitor.IsUnhealthy("node-2"))
}

func TestHealthMonitorGetNodeHealthIsCopy(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })
	monitor.CheckAll(context.Background(), twoNodes)

	h := monitor.GetNodeHealth("node-1")
	require.NotNil(t, h)
	h.Status = StatusUnhealthy

	assert.True(t, monitor.IsHealthy("node-1"))
}

// TestHealthMonitorRun drives the real HTTP check against a live /health
// endpoint and stops the monitor through its context.
func TestHealthMonitorRun(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	monitor := NewHealthMonitor(20 * time.Millisecond)
	down := make(chan string, 1)
	monitor.SetOnUnhealthy(func(nodeID string) { down <- nodeID })

	nodes := func() []cluster.NodeInfo { return []cluster.NodeInfo{{ID: "node-1", Addr: srv.URL}} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx, nodes) }()

	require.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, time.Second, 10*time.Millisecond)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()

	select {
	case id := <-down:
		assert.Equal(t, "node-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("node never reported unhealthy")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDefaultHealthCheckAddressForms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	monitor := NewHealthMonitor(time.Hour)
	ctx := context.Background()
	hostPort := srv.Listener.Addr().String()

	assert.NoError(t, monitor.defaultHealthCheck(ctx, srv.URL))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, srv.URL+"/"))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, srv.URL+"/health"))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, hostPort))
}
