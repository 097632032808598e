package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolkeeper_pools_total",
			Help: "Total number of pools managed by this node",
		},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolkeeper_containers_total",
			Help: "Total number of pool containers by status",
		},
		[]string{"status"},
	)

	TenantsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolkeeper_tenants_active",
			Help: "Total number of tenants currently holding a claimed container",
		},
	)

	// Scheduler metrics
	AcquireLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_acquire_latency_seconds",
			Help:    "Time taken to complete an acquire, including any wipe/create",
			Buckets: prometheus.DefBuckets,
		},
	)

	AcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolkeeper_acquires_total",
			Help: "Total number of acquire attempts by outcome",
		},
		[]string{"outcome"}, // affinity, created, capacity, error
	)

	FillLoopCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolkeeper_fill_loop_created_total",
			Help: "Total number of idle containers created by fill loops",
		},
	)

	// Claim pipeline metrics
	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_claim_duration_seconds",
			Help:    "Time taken for the full claim pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReleaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_release_duration_seconds",
			Help:    "Time taken for the full release pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolkeeper_hook_failures_total",
			Help: "Total number of lifecycle hook failures by hook point",
		},
		[]string{"hook_point"},
	)

	// Sync coordinator metrics
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_sync_duration_seconds",
			Help:    "Sync subprocess duration by direction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	SyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolkeeper_sync_failures_total",
			Help: "Total number of sync failures by error class",
		},
		[]string{"error_class"},
	)

	SyncCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolkeeper_sync_coalesced_total",
			Help: "Total number of sync attempts skipped because one was already running",
		},
	)

	// Reaper metrics
	ReaperExpiriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolkeeper_reaper_expiries_total",
			Help: "Total number of containers auto-released by the idle reaper",
		},
	)

	ReaperPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_reaper_poll_duration_seconds",
			Help:    "Time taken for one reaper poll tick across all watches",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolkeeper_recovery_duration_seconds",
			Help:    "Time taken for the startup recovery reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryStaleRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolkeeper_recovery_stale_rows",
			Help: "Number of stale Store rows removed by the last recovery pass",
		},
	)

	RecoveryForeignDestroyed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolkeeper_recovery_foreign_destroyed",
			Help: "Number of foreign runtime containers destroyed by the last recovery pass",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PoolsTotal,
		ContainersTotal,
		TenantsActive,
		AcquireLatency,
		AcquiresTotal,
		FillLoopCreated,
		ClaimDuration,
		ReleaseDuration,
		HookFailuresTotal,
		SyncDuration,
		SyncFailuresTotal,
		SyncCoalescedTotal,
		ReaperExpiriesTotal,
		ReaperPollDuration,
		RecoveryDuration,
		RecoveryStaleRows,
		RecoveryForeignDestroyed,
	)
}

// Handler returns the Prometheus HTTP handler. The `run` command of
// cmd/poolkeeperd mounts it at /metrics on 127.0.0.1:9100.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
