// Package metrics exposes Prometheus collectors for the segment scanner.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	segmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nextscan_segments_total",
			Help: "Total number of segments handled, labeled by terminal status.",
		},
		[]string{"status"},
	)

	fetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nextscan_fetch_bytes_total",
			Help: "Total number of segment bytes fetched.",
		},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nextscan_fetch_duration_seconds",
			Help:    "Histogram of range request latencies, labeled by response code.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"code"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nextscan_retries_total",
			Help: "Total number of failed attempts that were retried or exhausted, labeled by failure kind.",
		},
		[]string{"kind"},
	)

	recordsParsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nextscan_records_parsed_total",
			Help: "Total number of HTML capture records extracted from segments.",
		},
	)

	findingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nextscan_findings_total",
			Help: "Total number of qualifying findings, labeled by confidence.",
		},
		[]string{"confidence"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nextscan_active_workers",
			Help: "Number of workers currently processing a segment.",
		},
	)

	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nextscan_rate_limit_wait_seconds",
			Help:    "Histogram of time spent waiting for rate limiter tokens.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	rateLimitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nextscan_rate_limit_requests_per_second",
			Help: "Current effective request rate of the limiter.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nextscan_http_requests_total",
			Help: "Total number of status API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nextscan_http_request_duration_seconds",
			Help:    "Histogram of status API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSegment increments the segment counter for a terminal status.
func ObserveSegment(status string) {
	segmentsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one range request.
func ObserveFetch(code int, bytesFetched int, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(strconv.Itoa(code)).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a failed attempt by failure kind.
func ObserveRetry(kind string) {
	retriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRecords adds to the parsed record counter.
func ObserveRecords(n int) {
	if n > 0 {
		recordsParsedTotal.Add(float64(n))
	}
}

// ObserveFinding counts a qualifying finding.
func ObserveFinding(confidence string) {
	findingsTotal.WithLabelValues(confidence).Inc()
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted() { activeWorkers.Inc() }

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() { activeWorkers.Dec() }

// ObserveRateLimitWait records time spent blocked on the limiter.
func ObserveRateLimitWait(d time.Duration) {
	rateLimitWaitSeconds.Observe(d.Seconds())
}

// SetRateLimit publishes the limiter's current rate.
func SetRateLimit(rps float64) {
	rateLimitRate.Set(rps)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
