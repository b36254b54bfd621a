// Package metrics holds the Prometheus collectors for the sync engine.
//
// Collectors are registered on an injected registry so tests and embedded
// uses do not share global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "learnsync"

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	// Online is 1 while the connectivity monitor reports online.
	Online prometheus.Gauge
	// Transitions counts connectivity changes by new state.
	Transitions *prometheus.CounterVec

	// QueueDepth is the pending-operation queue length after the last drain.
	QueueDepth prometheus.Gauge
	// DeadLetters is the dead-letter count after the last drain.
	DeadLetters prometheus.Gauge

	// Drains counts drain calls by outcome (completed, offline, coalesced, error).
	Drains *prometheus.CounterVec
	// DrainDuration tracks how long completed drains take.
	DrainDuration prometheus.Histogram
	// ItemsSynced counts queue items delivered by kind.
	ItemsSynced *prometheus.CounterVec
	// ItemsFailed counts failed delivery attempts by kind.
	ItemsFailed *prometheus.CounterVec
	// ItemsDeadLettered counts items moved out of the queue by kind.
	ItemsDeadLettered *prometheus.CounterVec
	// Submits counts submissions by status (delivered, deferred, error).
	Submits *prometheus.CounterVec

	// CacheRequests counts intercepted requests by outcome
	// (network, hit, miss, fallback, passthrough).
	CacheRequests *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil reg creates a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the backend is considered reachable",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_transitions_total",
			Help:      "Connectivity transitions by new state",
		}, []string{"state"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending sync items",
		}),
		DeadLetters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Quarantined sync items",
		}),
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Drain requests by outcome",
		}, []string{"outcome"}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of completed drains",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ItemsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_synced_total",
			Help:      "Queue items delivered to the backend",
		}, []string{"kind"}),
		ItemsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Failed delivery attempts",
		}, []string{"kind"}),
		ItemsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dead_lettered_total",
			Help:      "Queue items moved to the dead-letter table",
		}, []string{"kind"}),
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Submissions by result",
		}, []string{"status"}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Intercepted requests by outcome",
		}, []string{"outcome"}),
	}
}

// SetOnline records a connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		m.Transitions.WithLabelValues("online").Inc()
		return
	}
	m.Online.Set(0)
	m.Transitions.WithLabelValues("offline").Inc()
}
