package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for tether
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	replicationsTotal *prometheus.CounterVec
	rowsTotal         *prometheus.CounterVec
	mutationsTotal    *prometheus.CounterVec

	// Histograms
	replicationDuration *prometheus.HistogramVec
	mutationDuration    *prometheus.HistogramVec

	// Gauges
	uptime             prometheus.GaugeFunc
	lastSuccess        *prometheus.GaugeVec
	activeReplications prometheus.Gauge
}

// Default histogram buckets for replication duration (in milliseconds)
var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		replicationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replications_total",
				Help:      "Total number of table replications",
			},
			[]string{"table", "strategy", "status"},
		),

		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replicated_rows_total",
				Help:      "Rows read from the source, by table and result",
			},
			[]string{"table", "result"}, // applied, skipped
		),

		mutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Mutations by operation and outcome",
			},
			[]string{"table", "op", "outcome"},
		),

		replicationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "replication_duration_milliseconds",
				Help:      "Duration of a single table replication in milliseconds",
				Buckets:   buckets,
			},
			[]string{"table", "strategy"},
		),

		mutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_milliseconds",
				Help:      "Duration of mutation calls in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"op"},
		),

		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replication_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful replication per table",
			},
			[]string{"table"},
		),

		activeReplications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_replications",
				Help:      "Number of table replications currently running",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.replicationsTotal,
		pm.rowsTotal,
		pm.mutationsTotal,
		pm.replicationDuration,
		pm.mutationDuration,
		pm.uptime,
		pm.lastSuccess,
		pm.activeReplications,
	)

	promMetrics = pm
}

// RecordPrometheusReplication records a finished table replication.
func RecordPrometheusReplication(table, strategy string, durationMs, applied, skipped int64, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.replicationsTotal.WithLabelValues(table, strategy, status).Inc()
	promMetrics.replicationDuration.WithLabelValues(table, strategy).Observe(float64(durationMs))
	promMetrics.rowsTotal.WithLabelValues(table, "applied").Add(float64(applied))
	promMetrics.rowsTotal.WithLabelValues(table, "skipped").Add(float64(skipped))
	if success {
		promMetrics.lastSuccess.WithLabelValues(table).SetToCurrentTime()
	}
}

// RecordPrometheusMutation records one mutation statement.
func RecordPrometheusMutation(table, op, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.mutationsTotal.WithLabelValues(table, op, outcome).Inc()
}

// RecordMutationDuration records the latency of a mutation call.
func RecordMutationDuration(op string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.mutationDuration.WithLabelValues(op).Observe(durationMs)
}

// IncActiveReplications increments the running replications gauge
func IncActiveReplications() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeReplications.Inc()
}

// DecActiveReplications decrements the running replications gauge
func DecActiveReplications() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeReplications.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
