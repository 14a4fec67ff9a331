// Package czarstats implements the czar-side rolling counters and
// progress histograms spec.md's §4 table calls CzarStats: in-flight job
// counts sampled by Executive's progress timer, plus the in-progress query
// gauge and booted-query counter a czar operator dashboard reads over
// /metrics.
package czarstats

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qservgo/qserv/internal/ids"
)

// CzarStats receives progress samples from every in-flight Executive and
// exposes them as Prometheus histograms/gauges, plus a small in-process
// rolling window per query for StartProgressTimer callers that want the
// raw recent samples (e.g. a status CLI) without scraping /metrics.
type CzarStats struct {
	incompleteJobs *prometheus.HistogramVec
	activeQueries  prometheus.Gauge
	bootedTotal    prometheus.Counter

	mu      sync.Mutex
	windows map[ids.QueryId][]int
	maxLen  int
}

// New builds a CzarStats registering its own Prometheus collectors against
// reg. cmd/czar passes prometheus.DefaultRegisterer, so the collectors
// are exposed on the same /metrics endpoint as observability.Metrics. A
// nil reg builds the collectors without registering them anywhere, which
// lets tests build more than one CzarStats in a process without a
// duplicate-registration panic. windowLen bounds the in-process rolling sample window kept per
// query (0 disables the in-process window, keeping only the registered
// metrics).
func New(windowLen int, reg prometheus.Registerer) *CzarStats {
	factory := promauto.With(reg)
	return &CzarStats{
		incompleteJobs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qserv_czar_incomplete_jobs",
				Help:    "Distribution of incomplete-job counts sampled by the progress timer",
				Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
			},
			[]string{"query_id"},
		),
		activeQueries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "qserv_czar_queries_in_progress",
				Help: "Queries currently being tracked by CzarStats",
			},
		),
		bootedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qserv_czar_booted_queries_total",
				Help: "Queries exceeding resource thresholds and banished to the Snail scheduler",
			},
		),
		windows: make(map[ids.QueryId][]int),
		maxLen:  windowLen,
	}
}

// SampleIncomplete implements qdisp.ProgressSink: it records one
// incomplete-job observation for queryId, both into the Prometheus
// histogram and (if enabled) the in-process rolling window.
func (s *CzarStats) SampleIncomplete(queryId ids.QueryId, incomplete int) {
	s.incompleteJobs.WithLabelValues(queryIdLabel(queryId)).Observe(float64(incomplete))

	if s.maxLen <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := append(s.windows[queryId], incomplete)
	if len(w) > s.maxLen {
		w = w[len(w)-s.maxLen:]
	}
	s.windows[queryId] = w
}

// RecentSamples returns the most recent in-process incomplete-job samples
// for queryId, oldest first. Empty if windowLen was 0 or queryId is
// unknown.
func (s *CzarStats) RecentSamples(queryId ids.QueryId) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.windows[queryId]))
	copy(out, s.windows[queryId])
	return out
}

// Forget drops queryId's in-process rolling window once the query has
// completed and its progress is no longer of interest.
func (s *CzarStats) Forget(queryId ids.QueryId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, queryId)
}

// QueryStarted increments the in-progress query gauge.
func (s *CzarStats) QueryStarted() { s.activeQueries.Inc() }

// QueryFinished decrements the in-progress query gauge.
func (s *CzarStats) QueryFinished() { s.activeQueries.Dec() }

// RecordBoot increments the booted-query counter, the queries a Blend
// admission policy reassigns onto the worker's Snail scheduler.
func (s *CzarStats) RecordBoot() { s.bootedTotal.Inc() }

func queryIdLabel(queryId ids.QueryId) string {
	// A label per distinct queryId is unbounded over a czar's lifetime;
	// callers that care about cardinality should Forget() once a query
	// completes. Kept as a label (rather than dropped) because CzarStats'
	// only consumer today is per-query progress inspection.
	return strconv.FormatUint(uint64(queryId), 10)
}
