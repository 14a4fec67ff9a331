package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics shared by the czar and worker
// processes.
type Metrics struct {
	// Query metrics (czar side)
	QueriesTotal      *prometheus.CounterVec
	QueriesActive     prometheus.Gauge
	QueryDuration     prometheus.Histogram
	JobsDispatched    prometheus.Counter
	JobAttemptsTotal  *prometheus.CounterVec
	RowsMergedTotal   prometheus.Counter
	SquashesTotal     *prometheus.CounterVec

	// Worker execution metrics
	TasksTotal        *prometheus.CounterVec
	TasksActive       prometheus.Gauge
	TaskDuration      *prometheus.HistogramVec
	ChunksExecuted    prometheus.Counter
	ScanBandInFlight  *prometheus.GaugeVec
	MemManENOMEM      prometheus.Counter

	// Transport metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram
	BytesTransmittedTotal  *prometheus.CounterVec
	FramesRetransmitted    *prometheus.CounterVec
	TransmitsInFlight      prometheus.Gauge

	// Merging metrics (czar side result assembly)
	MergeOperationsTotal *prometheus.CounterVec
	MergeDuration        prometheus.Histogram

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge

	activeQueries int64
	activeTasks   int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		QueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_queries_total",
				Help: "Total user queries dispatched",
			},
			[]string{"status"},
		),

		QueriesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_queries_active",
				Help: "Currently executing queries",
			},
		),

		QueryDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qserv_query_duration_seconds",
				Help:    "Query completion time distribution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		JobsDispatched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qserv_jobs_dispatched_total",
				Help: "Total per-chunk jobs dispatched to workers",
			},
		),

		JobAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_job_attempts_total",
				Help: "Job attempts by outcome",
			},
			[]string{"outcome"},
		),

		RowsMergedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qserv_rows_merged_total",
				Help: "Total result rows merged into query results",
			},
		),

		SquashesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_squashes_total",
				Help: "Query squashes by reason",
			},
			[]string{"reason"},
		),

		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_worker_tasks_total",
				Help: "Worker tasks by outcome",
			},
			[]string{"outcome"},
		),

		TasksActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_worker_tasks_active",
				Help: "Currently executing worker tasks",
			},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qserv_worker_task_duration_seconds",
				Help:    "Per-task execution time by scan band",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"band"},
		),

		ChunksExecuted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qserv_worker_chunks_executed_total",
				Help: "Total chunk queries executed",
			},
		),

		ScanBandInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qserv_worker_scan_band_inflight",
				Help: "In-flight tasks per scan band",
			},
			[]string{"band"},
		),

		MemManENOMEM: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qserv_worker_memman_enomem_total",
				Help: "MemMan reservation failures",
			},
		),

		QUICConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qserv_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		BytesTransmittedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_bytes_transmitted_total",
				Help: "Total result bytes transmitted",
			},
			[]string{"direction"},
		),

		FramesRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_frames_retransmitted_total",
				Help: "Result frames requiring a retry",
			},
			[]string{"reason"},
		),

		TransmitsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_transmits_inflight",
				Help: "Admitted transmits currently held by TransmitMgr",
			},
		),

		MergeOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_merge_operations_total",
				Help: "Result merge operations by outcome",
			},
			[]string{"outcome"},
		),

		MergeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qserv_merge_duration_seconds",
				Help:    "Per-job merge latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qserv_database_operations_total",
				Help: "Local SQLite operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_disk_space_used_bytes",
				Help: "Disk space used by local chunk databases",
			},
		),
	}

	return m
}

// RecordQueryStart increments active query counters.
func (m *Metrics) RecordQueryStart() {
	atomic.AddInt64(&m.activeQueries, 1)
	m.QueriesActive.Set(float64(atomic.LoadInt64(&m.activeQueries)))
}

// RecordQueryComplete records query completion metrics.
func (m *Metrics) RecordQueryComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeQueries, -1)
	m.QueriesActive.Set(float64(atomic.LoadInt64(&m.activeQueries)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.QueriesTotal.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(durationSeconds)
}

// RecordJobAttempt records a job attempt outcome.
func (m *Metrics) RecordJobAttempt(outcome string) {
	m.JobAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordSquash records a query squash by reason (limit, error, cancel).
func (m *Metrics) RecordSquash(reason string) {
	m.SquashesTotal.WithLabelValues(reason).Inc()
}

// RecordTaskStart increments active worker task counters.
func (m *Metrics) RecordTaskStart() {
	atomic.AddInt64(&m.activeTasks, 1)
	m.TasksActive.Set(float64(atomic.LoadInt64(&m.activeTasks)))
}

// RecordTaskComplete records task completion metrics for one scan band.
func (m *Metrics) RecordTaskComplete(band string, success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTasks, -1)
	m.TasksActive.Set(float64(atomic.LoadInt64(&m.activeTasks)))

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(band).Observe(durationSeconds)
	m.ChunksExecuted.Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// RecordBytesTransmitted updates bytes-moved counters for one direction.
func (m *Metrics) RecordBytesTransmitted(direction string, n int) {
	m.BytesTransmittedTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordFrameRetransmit increments retransmit counters.
func (m *Metrics) RecordFrameRetransmit(reason string) {
	m.FramesRetransmitted.WithLabelValues(reason).Inc()
}

// RecordMemManENOMEM increments the MemMan reservation-failure counter.
func (m *Metrics) RecordMemManENOMEM() {
	m.MemManENOMEM.Inc()
}

// RecordMerge records merge outcome and latency.
func (m *Metrics) RecordMerge(success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.MergeOperationsTotal.WithLabelValues(outcome).Inc()
	m.MergeDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
