// Package metrics exposes the migration engine's Prometheus collectors on
// a private registry, scraped via PrometheusHandler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the migration
// control plane.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	migrationsTotal   *prometheus.CounterVec
	proposalsTotal    *prometheus.CounterVec
	alertsTotal       *prometheus.CounterVec
	requeuedTotal     prometheus.Counter
	lockTimeoutsTotal prometheus.Counter

	// Histograms
	migrationDuration *prometheus.HistogramVec
	pollDuration      prometheus.Histogram
	lockWaitSeconds   prometheus.Histogram

	// Gauges
	inFlight   prometheus.Gauge
	queueDepth prometheus.Gauge
	uptime     prometheus.GaugeFunc
}

// durationBuckets cover live migrations from sub-second simulations to the
// 300s poll timeout.
var durationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180, 300, 600}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the metrics subsystem. Safe to call once at
// daemon startup; all Record* helpers are no-ops before that.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()
	pm := &PrometheusMetrics{
		registry: registry,

		migrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Total migrations by terminal outcome",
			},
			[]string{"outcome", "reason"},
		),

		proposalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposals_total",
				Help:      "Planner proposals by kind (rebalance, emergency)",
			},
			[]string{"kind"},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alerts received by severity",
			},
			[]string{"severity"},
		),

		requeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_requeued_total",
				Help:      "Queued migrations re-enqueued by the sweep",
			},
		),

		lockTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Advisory lock acquisitions that timed out",
			},
		),

		migrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_seconds",
				Help:      "Wall time from running to terminal status",
				Buckets:   durationBuckets,
			},
			[]string{"outcome"},
		),

		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_poll_duration_seconds",
				Help:      "Duration of a single driver poll call",
				Buckets:   prometheus.DefBuckets,
			},
		),

		lockWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the per-VM advisory lock",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),

		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migrations_in_flight",
				Help:      "Migrations currently in a non-terminal status",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Pending migration ids in the work queue",
			},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since daemon start",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
	}

	registry.MustRegister(
		pm.migrationsTotal,
		pm.proposalsTotal,
		pm.alertsTotal,
		pm.requeuedTotal,
		pm.lockTimeoutsTotal,
		pm.migrationDuration,
		pm.pollDuration,
		pm.lockWaitSeconds,
		pm.inFlight,
		pm.queueDepth,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordMigrationOutcome counts a terminal migration and its duration.
func RecordMigrationOutcome(outcome, reason string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.migrationsTotal.WithLabelValues(outcome, reason).Inc()
	promMetrics.migrationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordProposals counts planner proposals of the given kind.
func RecordProposals(kind string, n int) {
	if promMetrics == nil || n == 0 {
		return
	}
	promMetrics.proposalsTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordAlert counts a received alert.
func RecordAlert(severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.alertsTotal.WithLabelValues(severity).Inc()
}

// RecordRequeued counts stale queued migrations pushed back to the queue.
func RecordRequeued(n int) {
	if promMetrics == nil || n == 0 {
		return
	}
	promMetrics.requeuedTotal.Add(float64(n))
}

// RecordLockTimeout counts an advisory lock acquisition timeout.
func RecordLockTimeout() {
	if promMetrics == nil {
		return
	}
	promMetrics.lockTimeoutsTotal.Inc()
}

// RecordLockWait observes time spent acquiring the per-VM lock.
func RecordLockWait(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.lockWaitSeconds.Observe(d.Seconds())
}

// RecordPollDuration observes one driver poll round trip.
func RecordPollDuration(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.pollDuration.Observe(d.Seconds())
}

// SetInFlight updates the non-terminal migration gauge.
func SetInFlight(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.inFlight.Set(float64(n))
}

// SetQueueDepth updates the pending-work gauge.
func SetQueueDepth(n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(n))
}

// PrometheusHandler returns the scrape handler for the private registry.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the registry for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
