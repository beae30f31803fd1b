package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transfer accelerator.
type Metrics struct {
	JobsTotal    *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobDuration  *prometheus.HistogramVec

	QueriesScheduledTotal prometheus.Counter
	QueriesCompletedTotal prometheus.Counter
	QueriesFailedTotal    *prometheus.CounterVec
	BucketTransferSeconds prometheus.Histogram

	BytesTotal *prometheus.CounterVec

	CommitsTotal          *prometheus.CounterVec
	CommitMD5Mismatches   prometheus.Counter

	PushTransactionsActive prometheus.Gauge
	PushTransactionsEvicted prometheus.Counter

	CacheHitsTotal  prometheus.Counter
	CacheMissTotal  prometheus.Counter
	CacheBytesUsed  prometheus.Gauge

	activeJobs int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_jobs_total",
				Help: "Total pull/push jobs started, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		JobsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfers_jobs_active",
				Help: "Currently running pull/push jobs",
			},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfers_job_duration_seconds",
				Help:    "Job completion time distribution",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		QueriesScheduledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_http_queries_scheduled_total",
				Help: "Total HTTP queries enqueued across all queues",
			},
		),
		QueriesCompletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_http_queries_completed_total",
				Help: "Total HTTP queries that reached Done",
			},
		),
		QueriesFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_http_queries_failed_total",
				Help: "Total HTTP queries that reached Failed, by error kind",
			},
			[]string{"kind"},
		),
		BucketTransferSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfers_bucket_transfer_seconds",
				Help:    "Per-bucket request latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_bytes_total",
				Help: "Bytes moved, by direction",
			},
			[]string{"direction"},
		),
		CommitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_commits_total",
				Help: "Instance commit attempts, by result",
			},
			[]string{"result"},
		),
		CommitMD5Mismatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_commit_md5_mismatches_total",
				Help: "Instances that failed MD5 verification at commit",
			},
		),
		PushTransactionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfers_push_transactions_active",
				Help: "Currently open inbound push transactions",
			},
		),
		PushTransactionsEvicted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_push_transactions_evicted_total",
				Help: "Push transactions evicted on capacity pressure",
			},
		),
		CacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_instance_cache_hits_total",
				Help: "Instance cache hits",
			},
		),
		CacheMissTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transfers_instance_cache_misses_total",
				Help: "Instance cache misses (read-through)",
			},
		),
		CacheBytesUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfers_instance_cache_bytes_used",
				Help: "Bytes currently resident in the instance cache",
			},
		),
	}
}

// RecordJobStart increments the active-jobs gauge.
func (m *Metrics) RecordJobStart() {
	atomic.AddInt64(&m.activeJobs, 1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))
}

// RecordJobEnd records job completion metrics.
func (m *Metrics) RecordJobEnd(kind, outcome string, durationSeconds float64) {
	atomic.AddInt64(&m.activeJobs, -1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))
	m.JobsTotal.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordQueryDone records a successfully completed HTTP query.
func (m *Metrics) RecordQueryDone(uploaded, downloaded uint64) {
	m.QueriesCompletedTotal.Inc()
	if uploaded > 0 {
		m.BytesTotal.WithLabelValues("uploaded").Add(float64(uploaded))
	}
	if downloaded > 0 {
		m.BytesTotal.WithLabelValues("downloaded").Add(float64(downloaded))
	}
}

// RecordQueryFailed records a permanently failed HTTP query.
func (m *Metrics) RecordQueryFailed(kind string) {
	m.QueriesFailedTotal.WithLabelValues(kind).Inc()
}

// RecordCommit records the outcome of committing one instance.
func (m *Metrics) RecordCommit(ok bool) {
	if ok {
		m.CommitsTotal.WithLabelValues("ok").Inc()
	} else {
		m.CommitsTotal.WithLabelValues("corrupted").Inc()
		m.CommitMD5Mismatches.Inc()
	}
}

// RecordCacheHit/RecordCacheMiss track instance cache effectiveness.
func (m *Metrics) RecordCacheHit()  { m.CacheHitsTotal.Inc() }
func (m *Metrics) RecordCacheMiss() { m.CacheMissTotal.Inc() }

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
