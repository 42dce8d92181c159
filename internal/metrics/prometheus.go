package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for durability engine metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal   *prometheus.CounterVec
	liveTotal          prometheus.Counter
	replayedTotal      prometheus.Counter
	oplogAppendsTotal  prometheus.Counter
	oplogEntriesTotal  prometheus.Counter
	oplogCommitsTotal  prometheus.Counter
	oplogDropPrefixTotal prometheus.Counter
	archiveChunksTotal prometheus.Counter
	archiveCacheTotal  *prometheus.CounterVec
	archiveMovesTotal  prometheus.Counter
	retryDecisionsTotal *prometheus.CounterVec

	// Histograms
	invocationDuration *prometheus.HistogramVec
	archiveChunkBytes  prometheus.Histogram

	// Gauges
	uptime        prometheus.GaugeFunc
	openBrackets  *prometheus.GaugeVec
	consecutiveErrors *prometheus.GaugeVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var archiveChunkBuckets = []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304}

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

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of exported function invocations",
			},
			[]string{"worker", "status"},
		),

		liveTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_invocations_total",
				Help:      "Total number of invocations executed live",
			},
		),

		replayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replayed_invocations_total",
				Help:      "Total number of invocations reconstructed from oplog replay",
			},
		),

		oplogAppendsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oplog_appends_total",
				Help:      "Total number of oplog append batches",
			},
		),

		oplogEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oplog_entries_total",
				Help:      "Total number of oplog entries appended",
			},
		),

		oplogCommitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oplog_commits_total",
				Help:      "Total number of forced durable commits",
			},
		),

		oplogDropPrefixTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oplog_drop_prefix_total",
				Help:      "Total number of primary log prefix drops following archival",
			},
		),

		archiveChunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_chunks_written_total",
				Help:      "Total number of compressed chunks written to the archive",
			},
		),

		archiveCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_cache_total",
				Help:      "Archive entry cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),

		archiveMovesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_moves_total",
				Help:      "Total number of background archive-mover sweeps that promoted a range",
			},
		),

		retryDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "Retry control plane decisions by kind",
			},
			[]string{"kind"}, // immediate, delayed, reacquire_permits, try_stop
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Duration of exported function invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"worker", "replayed"},
		),

		archiveChunkBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_chunk_bytes",
				Help:      "Size in bytes of compressed chunks written to the archive",
				Buckets:   archiveChunkBuckets,
			},
		),

		openBrackets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_brackets",
				Help:      "Currently open remote-write/transaction brackets by worker",
			},
			[]string{"worker"},
		),

		consecutiveErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consecutive_errors",
				Help:      "Current consecutive error count by worker",
			},
			[]string{"worker"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the durability daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.liveTotal,
		pm.replayedTotal,
		pm.oplogAppendsTotal,
		pm.oplogEntriesTotal,
		pm.oplogCommitsTotal,
		pm.oplogDropPrefixTotal,
		pm.archiveChunksTotal,
		pm.archiveCacheTotal,
		pm.archiveMovesTotal,
		pm.retryDecisionsTotal,
		pm.invocationDuration,
		pm.archiveChunkBytes,
		pm.uptime,
		pm.openBrackets,
		pm.consecutiveErrors,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records an invocation in Prometheus collectors
func RecordPrometheusInvocation(worker string, durationMs int64, replayed bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.invocationsTotal.WithLabelValues(worker, status).Inc()

	if replayed {
		promMetrics.replayedTotal.Inc()
	} else {
		promMetrics.liveTotal.Inc()
	}

	replayLabel := "false"
	if replayed {
		replayLabel = "true"
	}
	promMetrics.invocationDuration.WithLabelValues(worker, replayLabel).Observe(float64(durationMs))
}

// RecordPrometheusOplogAppend records an oplog append batch in Prometheus
func RecordPrometheusOplogAppend(entryCount int) {
	if promMetrics == nil {
		return
	}
	promMetrics.oplogAppendsTotal.Inc()
	promMetrics.oplogEntriesTotal.Add(float64(entryCount))
}

// RecordPrometheusOplogCommit records a forced durable commit in Prometheus
func RecordPrometheusOplogCommit() {
	if promMetrics == nil {
		return
	}
	promMetrics.oplogCommitsTotal.Inc()
}

// RecordPrometheusOplogDropPrefix records a primary log prefix drop in Prometheus
func RecordPrometheusOplogDropPrefix() {
	if promMetrics == nil {
		return
	}
	promMetrics.oplogDropPrefixTotal.Inc()
}

// RecordPrometheusArchiveChunk records a chunk write in Prometheus
func RecordPrometheusArchiveChunk(bytes int) {
	if promMetrics == nil {
		return
	}
	promMetrics.archiveChunksTotal.Inc()
	promMetrics.archiveChunkBytes.Observe(float64(bytes))
}

// RecordPrometheusArchiveCache records an entry cache lookup result
func RecordPrometheusArchiveCache(hit bool) {
	if promMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	promMetrics.archiveCacheTotal.WithLabelValues(result).Inc()
}

// RecordPrometheusArchiveMove records a mover sweep promoting a range
func RecordPrometheusArchiveMove() {
	if promMetrics == nil {
		return
	}
	promMetrics.archiveMovesTotal.Inc()
}

// RecordPrometheusRetryDecision records a retry control-plane decision
func RecordPrometheusRetryDecision(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.retryDecisionsTotal.WithLabelValues(kind).Inc()
}

// SetOpenBrackets sets the open-bracket gauge for a worker.
func SetOpenBrackets(worker string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.openBrackets.WithLabelValues(worker).Set(float64(count))
}

// SetConsecutiveErrors sets the consecutive-error gauge for a worker.
func SetConsecutiveErrors(worker string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.consecutiveErrors.WithLabelValues(worker).Set(float64(count))
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
