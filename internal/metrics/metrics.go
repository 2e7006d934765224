// Package metrics exposes Prometheus collectors for sync passes and the outbox.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "possync"
	subsystem = "sync"
)

// Pass outcomes used as the "outcome" label.
const (
	OutcomeSuccess       = "success"
	OutcomePartial       = "partial"
	OutcomeFailed        = "failed"
	OutcomeOffline       = "offline"
	OutcomeNotConfigured = "not_configured"
	OutcomeSkipped       = "in_progress"
)

// Metrics groups the sync core collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	entriesSynced   *prometheus.CounterVec
	entriesFailed   *prometheus.CounterVec
	appendFailures  *prometheus.CounterVec
	pending         prometheus.Gauge
	cleanupRemoved  prometheus.Counter
	online          prometheus.Gauge
	lastSuccessTime prometheus.Gauge
}

// New registers the collectors on reg. Passing nil uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "passes_total",
			Help:      "Sync passes by outcome.",
		}, []string{"outcome"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes that reached the remote.",
			Buckets:   prometheus.DefBuckets,
		}),
		entriesSynced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_synced_total",
			Help:      "Outbox entries confirmed by the remote, per store.",
		}, []string{"store"}),
		entriesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_failed_total",
			Help:      "Outbox entries whose remote dispatch failed, per store.",
		}, []string{"store"}),
		appendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "append_failures_total",
			Help:      "Local mutations whose outbox append failed after the primary write succeeded.",
		}, []string{"store", "action"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_entries",
			Help:      "Unsynced outbox entries after the last pass.",
		}),
		cleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "cleanup_removed_total",
			Help:      "Synced outbox entries removed by retention cleanup.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "online",
			Help:      "1 when the remote is reachable.",
		}),
		lastSuccessTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful pass.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records the outcome of one sync pass.
func (m *Metrics) ObservePass(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailed:
		m.passDuration.Observe(elapsed.Seconds())
	}
	if outcome == OutcomeSuccess {
		m.lastSuccessTime.SetToCurrentTime()
	}
}

func (m *Metrics) EntrySynced(store string) {
	if m == nil {
		return
	}
	m.entriesSynced.WithLabelValues(store).Inc()
}

func (m *Metrics) EntryFailed(store string) {
	if m == nil {
		return
	}
	m.entriesFailed.WithLabelValues(store).Inc()
}

// OutboxAppendFailed counts a mutation left without an outbox entry.
func (m *Metrics) OutboxAppendFailed(store, action string) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(store, action).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) CleanupRemoved(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupRemoved.Add(float64(n))
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
