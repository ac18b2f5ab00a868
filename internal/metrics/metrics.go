// Package metrics exposes prometheus collectors for partitions and the index.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subdb"

// Metrics groups every collector. Each process creates one, on its own
// registry, so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	PartitionOps      *prometheus.CounterVec
	PartitionSubDBs   *prometheus.GaugeVec
	PartitionEntries  *prometheus.GaugeVec
	PartitionOverflow *prometheus.CounterVec

	RelayCalls   *prometheus.CounterVec
	Migrations   *prometheus.CounterVec
	Partitions   prometheus.Gauge
	OuterKeys    prometheus.Gauge
	Unauthorized prometheus.Counter
}

// New creates the metric set on its own registry, so several instances can
// live in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		PartitionOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "partition", Name: "operations_total",
			Help: "Partition operations by kind.",
		}, []string{"partition", "op"}),
		PartitionSubDBs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "partition", Name: "subdbs",
			Help: "Sub-databases resident on a partition.",
		}, []string{"partition"}),
		PartitionEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "partition", Name: "entries",
			Help: "Entries resident on a partition.",
		}, []string{"partition"}),
		PartitionOverflow: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "partition", Name: "overflow_total",
			Help: "Writes that left a partition overflowed.",
		}, []string{"partition"}),
		RelayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "relay_calls_total",
			Help: "Index to partition calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		Migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "migrations_total",
			Help: "Sub-database migrations by outcome.",
		}, []string{"outcome"}),
		Partitions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "partitions",
			Help: "Partitions known to the index.",
		}),
		OuterKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "outer_keys",
			Help: "Live outer keys in the registry.",
		}),
		Unauthorized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unauthorized_total",
			Help: "Mutating calls rejected by the owner check.",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves m in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Outcome labels a call result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
