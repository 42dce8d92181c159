// Package metrics collects and exposes durability engine observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package, following the teacher's split:
//
//  1. The in-process Metrics struct (per-worker counters + time series)
//     for a lightweight JSON /stats endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// Keeping both lets an operator inspect a single daemon without a
// Prometheus sidecar while still supporting external monitoring stacks.
//
// # Concurrency — hot path
//
// RecordInvocation is called on every exported function invocation and
// must be as fast as possible. It uses atomic increments for global
// counters and dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously. This
// avoids holding any lock on the hot path.
//
// # Invariants
//
//   - TotalInvocations == SuccessInvocations + FailedInvocations.
//   - LiveInvocations + ReplayedInvocations == TotalInvocations.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Invocations  int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes durability engine metrics
type Metrics struct {
	// Invocation metrics
	TotalInvocations    atomic.Int64
	SuccessInvocations  atomic.Int64
	FailedInvocations   atomic.Int64
	LiveInvocations     atomic.Int64
	ReplayedInvocations atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Oplog metrics
	OplogAppends     atomic.Int64
	OplogEntries     atomic.Int64
	OplogCommits     atomic.Int64
	OplogDropPrefix  atomic.Int64

	// Archive metrics
	ArchiveChunksWritten atomic.Int64
	ArchiveBytesWritten  atomic.Int64
	ArchiveCacheHits     atomic.Int64
	ArchiveCacheMisses   atomic.Int64
	ArchiveMoves         atomic.Int64

	// Retry metrics
	RetriesImmediate atomic.Int64
	RetriesDelayed   atomic.Int64
	RetriesReacquire atomic.Int64
	RetriesStopped   atomic.Int64

	// Per-worker metrics
	workerMetrics sync.Map // worker string -> *WorkerMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// WorkerMetrics tracks metrics for a single worker
type WorkerMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	Replayed    atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordInvocation records an exported function invocation result.
func (m *Metrics) RecordInvocation(worker string, durationMs int64, replayed bool, success bool) {
	m.TotalInvocations.Add(1)

	if success {
		m.SuccessInvocations.Add(1)
	} else {
		m.FailedInvocations.Add(1)
	}

	if replayed {
		m.ReplayedInvocations.Add(1)
	} else {
		m.LiveInvocations.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	wm := m.getWorkerMetrics(worker)
	wm.Invocations.Add(1)
	if success {
		wm.Successes.Add(1)
	} else {
		wm.Failures.Add(1)
	}
	if replayed {
		wm.Replayed.Add(1)
	}
	wm.TotalMs.Add(durationMs)
	updateMin(&wm.MinMs, durationMs)
	updateMax(&wm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusInvocation(worker, durationMs, replayed, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot invocation path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Invocations++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordOplogAppend records a batch of entries appended to the primary log.
func (m *Metrics) RecordOplogAppend(entryCount int) {
	m.OplogAppends.Add(1)
	m.OplogEntries.Add(int64(entryCount))
	RecordPrometheusOplogAppend(entryCount)
}

// RecordOplogCommit records a forced durable commit.
func (m *Metrics) RecordOplogCommit() {
	m.OplogCommits.Add(1)
	RecordPrometheusOplogCommit()
}

// RecordOplogDropPrefix records a primary-log prefix drop after archiving.
func (m *Metrics) RecordOplogDropPrefix() {
	m.OplogDropPrefix.Add(1)
	RecordPrometheusOplogDropPrefix()
}

// RecordArchiveChunkWritten records a compressed chunk promoted to the
// archive layer.
func (m *Metrics) RecordArchiveChunkWritten(bytes int) {
	m.ArchiveChunksWritten.Add(1)
	m.ArchiveBytesWritten.Add(int64(bytes))
	RecordPrometheusArchiveChunk(bytes)
}

// RecordArchiveCacheHit records an LRU entry cache hit during archive reads.
func (m *Metrics) RecordArchiveCacheHit() {
	m.ArchiveCacheHits.Add(1)
	RecordPrometheusArchiveCache(true)
}

// RecordArchiveCacheMiss records an LRU entry cache miss during archive reads.
func (m *Metrics) RecordArchiveCacheMiss() {
	m.ArchiveCacheMisses.Add(1)
	RecordPrometheusArchiveCache(false)
}

// RecordArchiveMove records the background mover promoting a worker's
// primary-log range into the archive.
func (m *Metrics) RecordArchiveMove() {
	m.ArchiveMoves.Add(1)
	RecordPrometheusArchiveMove()
}

// RecordRetryDecision records a retry control-plane decision by kind.
func (m *Metrics) RecordRetryDecision(kind string) {
	switch kind {
	case "immediate":
		m.RetriesImmediate.Add(1)
	case "delayed":
		m.RetriesDelayed.Add(1)
	case "reacquire_permits":
		m.RetriesReacquire.Add(1)
	case "try_stop":
		m.RetriesStopped.Add(1)
	}
	RecordPrometheusRetryDecision(kind)
}

func (m *Metrics) getWorkerMetrics(worker string) *WorkerMetrics {
	if v, ok := m.workerMetrics.Load(worker); ok {
		return v.(*WorkerMetrics)
	}

	wm := &WorkerMetrics{}
	wm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.workerMetrics.LoadOrStore(worker, wm)
	return actual.(*WorkerMetrics)
}

// GetWorkerMetrics returns the metrics for a specific worker (or nil if none recorded yet)
func (m *Metrics) GetWorkerMetrics(worker string) *WorkerMetrics {
	if v, ok := m.workerMetrics.Load(worker); ok {
		return v.(*WorkerMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalInvocations.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"invocations": map[string]interface{}{
			"total":     total,
			"success":   m.SuccessInvocations.Load(),
			"failed":    m.FailedInvocations.Load(),
			"live":      m.LiveInvocations.Load(),
			"replayed":  m.ReplayedInvocations.Load(),
			"replay_pct": replayPercentage(m.ReplayedInvocations.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"oplog": map[string]interface{}{
			"appends":      m.OplogAppends.Load(),
			"entries":      m.OplogEntries.Load(),
			"commits":      m.OplogCommits.Load(),
			"drop_prefix":  m.OplogDropPrefix.Load(),
		},
		"archive": map[string]interface{}{
			"chunks_written": m.ArchiveChunksWritten.Load(),
			"bytes_written":  m.ArchiveBytesWritten.Load(),
			"cache_hits":     m.ArchiveCacheHits.Load(),
			"cache_misses":   m.ArchiveCacheMisses.Load(),
			"moves":          m.ArchiveMoves.Load(),
		},
		"retries": map[string]interface{}{
			"immediate":         m.RetriesImmediate.Load(),
			"delayed":           m.RetriesDelayed.Load(),
			"reacquire_permits": m.RetriesReacquire.Load(),
			"stopped":           m.RetriesStopped.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// WorkerStats returns per-worker metrics
func (m *Metrics) WorkerStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.workerMetrics.Range(func(key, value interface{}) bool {
		worker := key.(string)
		wm := value.(*WorkerMetrics)

		total := wm.Invocations.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(wm.TotalMs.Load()) / float64(total)
		}

		minMs := wm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[worker] = map[string]interface{}{
			"invocations": total,
			"successes":   wm.Successes.Load(),
			"failures":    wm.Failures.Load(),
			"replayed":    wm.Replayed.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      wm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["workers"] = m.WorkerStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"invocations":  bucket.Invocations,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func replayPercentage(replayed, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(replayed) / float64(total) * 100
}
