package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/logger"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// It maintains the current status, last successful check time, and failure count.
type NodeHealth struct {
	LastCheck        time.Time `msgpack:"lastCheck"`
	LastHealthy      time.Time `msgpack:"lastHealthy"`
	NodeID           string    `msgpack:"nodeId"`
	Status           string    `msgpack:"status"`
	ConsecutiveFails int       `msgpack:"consecutiveFails"`
}

// HealthMonitor performs periodic health checks on all registered nodes.
// When a node crosses the failure threshold its partitions are reported
// through the unhealthy callback so the index can stop placing sub-databases
// there; a recovery reports them again through the recovered callback.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	onRecovered func(nodeID string)
	log         *logger.Logger
	interval    time.Duration
	mu          sync.RWMutex
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks each node's /health
// endpoint every interval. Nodes are marked unhealthy after 3 consecutive
// failures.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         logger.GetLogger("health"),
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetOnRecovered sets the callback invoked when an unhealthy node passes a
// check again.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.mu.Lock()
	h.onRecovered = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the HTTP check, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// Run checks every node returned by nodes, once immediately and then every
// interval, until ctx is canceled. It always returns ctx.Err().
//
// Example:
//
//	go monitor.Run(ctx, placement.Nodes)
func (h *HealthMonitor) Run(ctx context.Context, nodes func() []cluster.NodeInfo) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.CheckAll(ctx, nodes())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, nodes())
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopped")
			return ctx.Err()
		}
	}
}

// CheckAll checks each node once and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Info().Str("node", nodeID).Msg("removed from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(ctx, node.Addr)

	h.mu.Lock()
	health.LastCheck = time.Now()
	var notify func(string)
	if err != nil {
		health.ConsecutiveFails++
		h.log.Warn().Err(err).Str("node", node.ID).
			Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).Msg("health check failed")
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.log.Error().Str("node", node.ID).Int("failures", health.ConsecutiveFails).Msg("node marked unhealthy")
			notify = h.onUnhealthy
		}
	} else {
		if health.Status == StatusUnhealthy {
			h.log.Info().Str("node", node.ID).Msg("node recovered")
			notify = h.onRecovered
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	h.mu.Unlock()

	// callbacks run without the lock held
	if notify != nil {
		notify(node.ID)
	}
}

// defaultHealthCheck performs an HTTP GET request to the node's /health
// endpoint. addr may be a full URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health record, or nil if the
// node is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		result[id] = *health
	}
	return result
}

// IsHealthy reports whether a node passed its latest checks. Unmonitored
// nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// IsUnhealthy reports whether a node crossed the failure threshold. Nodes
// that were never checked are not unhealthy.
func (h *HealthMonitor) IsUnhealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusUnhealthy
}
