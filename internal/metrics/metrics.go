// Package metrics exposes Prometheus collectors for the crawl worker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job results used as the "result" label.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultMalformed = "malformed"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	dispositionsTotal          *prometheus.CounterVec
	leaseEmptyTotal            prometheus.Counter
	queueErrorsTotal           *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	historyDroppedTotal        prometheus.Counter
	historyBatchSize           prometheus.Histogram
	historySinkErrorsTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_jobs_total",
				Help: "Total number of leased jobs processed, labeled by result.",
			},
			[]string{"result"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlworker_job_duration_seconds",
				Help:    "Histogram of visit durations including dwell time.",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 120},
			},
		)

		dispositionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_dispositions_total",
				Help: "Total number of finished leases, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		leaseEmptyTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlworker_lease_empty_total",
				Help: "Lease attempts that returned nothing within the block window.",
			},
		)

		queueErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_queue_errors_total",
				Help: "Transient queue errors, labeled by operation.",
			},
			[]string{"op"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlworker_active_jobs",
				Help: "Number of loops currently executing a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlworker_rate_limit_delay_seconds",
				Help:    "Histogram of per-host politeness waits before a visit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		historyDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlworker_history_dropped_total",
				Help: "Visit reports dropped because the history buffer was full.",
			},
		)

		historyBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlworker_history_batch_size",
				Help:    "Number of visit reports per flushed history batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		)

		historySinkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_history_sink_errors_total",
				Help: "Failed history batch deliveries, labeled by sink.",
			},
			[]string{"sink"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a processed job and its duration.
func ObserveJob(result string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(result).Inc()
	if elapsed > 0 {
		jobDurationSeconds.Observe(elapsed.Seconds())
	}
}

// ObserveDisposition counts how a finished lease was handed back.
func ObserveDisposition(disposition string) {
	dispositionsTotal.WithLabelValues(disposition).Inc()
}

// ObserveLeaseEmpty counts a lease call that found nothing.
func ObserveLeaseEmpty() {
	leaseEmptyTotal.Inc()
}

// ObserveQueueError counts a transient queue failure for op.
func ObserveQueueError(op string) {
	queueErrorsTotal.WithLabelValues(op).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// ObserveRateLimitDelay records how long a visit waited for its host token.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveHistoryDropped counts visit reports lost to backpressure.
func ObserveHistoryDropped() {
	historyDroppedTotal.Inc()
}

// ObserveHistoryBatch records the size of a flushed history batch.
func ObserveHistoryBatch(size int) {
	historyBatchSize.Observe(float64(size))
}

// ObserveHistorySinkError counts a batch that sink failed to consume.
func ObserveHistorySinkError(sink string) {
	historySinkErrorsTotal.WithLabelValues(sink).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
