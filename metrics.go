package offlinecache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics of the workers of a registration.
//
// All metrics use the offline_cache_ prefix. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// FetchTotal counts intercepted fetches by request class and response source
	FetchTotal *prometheus.CounterVec

	// InstallTotal counts install attempts by result
	InstallTotal *prometheus.CounterVec

	// PartitionsDeleted counts deleted partitions by reason
	PartitionsDeleted *prometheus.CounterVec

	// CacheWriteErrors counts failed cache writes by partition purpose
	CacheWriteErrors *prometheus.CounterVec

	// EventDuration tracks how long event handlers take, excluding WaitUntil work
	EventDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_fetch_total",
				Help: "Total intercepted fetches by class and source",
			},
			[]string{"class", "source"}, // source: "cache", "network", "offline", "error"
		),
		InstallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_install_total",
				Help: "Total install attempts by result",
			},
			[]string{"result"}, // "success", "failed"
		),
		PartitionsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_partitions_deleted_total",
				Help: "Total deleted cache partitions by reason",
			},
			[]string{"reason"}, // "evict", "clear"
		),
		CacheWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_write_errors_total",
				Help: "Total failed cache writes by partition",
			},
			[]string{"partition"},
		),
		EventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_cache_event_duration_seconds",
				Help:    "Worker event duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
	}

	reg.MustRegister(
		m.FetchTotal,
		m.InstallTotal,
		m.PartitionsDeleted,
		m.CacheWriteErrors,
		m.EventDuration,
	)

	return m
}

func (m *Metrics) RecordFetch(class, source string) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(class, source).Inc()
}

func (m *Metrics) RecordInstall(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	m.InstallTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPartitionsDeleted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PartitionsDeleted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordWriteError(partition string) {
	if m == nil {
		return
	}
	m.CacheWriteErrors.WithLabelValues(partition).Inc()
}

func (m *Metrics) RecordEvent(kind EventKind, d time.Duration) {
	if m == nil {
		return
	}
	m.EventDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
