// Package metrics exposes Prometheus collectors for every crawlsched stage.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	selectorTasksTotal        *prometheus.CounterVec
	schedulerTasksTotal       *prometheus.CounterVec
	crawlerMethodErrorsTotal  *prometheus.CounterVec
	fetchResultsTotal         *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	fetchBytesTotal           *prometheus.CounterVec
	parseResultsTotal         *prometheus.CounterVec
	controlCommandsTotal      *prometheus.CounterVec
	queueSize                 *prometheus.GaugeVec
	persistedTasksTotal       *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec
	activeFetches             prometheus.Gauge
	rateLimitDelaysSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		selectorTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_selector_tasks_total",
				Help: "Tasks popped by the selector, labeled by crawler and outcome.",
			},
			[]string{"crawler", "outcome"},
		)

		schedulerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_scheduler_tasks_total",
				Help: "Tasks built by the scheduler, labeled by crawler and outcome.",
			},
			[]string{"crawler", "outcome"},
		)

		crawlerMethodErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_crawler_method_errors_total",
				Help: "Errors and panics raised by crawler methods.",
			},
			[]string{"crawler", "method"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_fetch_results_total",
				Help: "Fetch outcomes per crawler, labeled success or fail.",
			},
			[]string{"crawler", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlsched_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		parseResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_parse_results_total",
				Help: "Parse outcomes, labeled by crawler and result kind.",
			},
			[]string{"crawler", "kind"},
		)

		controlCommandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_control_commands_total",
				Help: "Operator commands handled, labeled by command and status.",
			},
			[]string{"command", "status"},
		)

		queueSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlsched_queue_size",
				Help: "Last observed size of a queue.",
			},
			[]string{"queue"},
		)

		persistedTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_persisted_tasks_total",
				Help: "Tasks moved between queues and the persistence store.",
			},
			[]string{"crawler", "direction"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsched_active_fetches",
				Help: "Number of fetches currently in flight.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlsched_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSelector counts one selector pop by outcome (forwarded, persisted, dropped).
func ObserveSelector(crawler, outcome string) {
	Init()
	selectorTasksTotal.WithLabelValues(crawler, outcome).Inc()
}

// ObserveScheduled counts one scheduler-built task by outcome.
func ObserveScheduled(crawler, outcome string) {
	Init()
	schedulerTasksTotal.WithLabelValues(crawler, outcome).Inc()
}

// ObserveMethodError counts a failed crawler method call.
func ObserveMethodError(crawler, method string) {
	Init()
	crawlerMethodErrorsTotal.WithLabelValues(crawler, method).Inc()
}

// ObserveFetchResult counts a fetch as success or fail for crawler.
func ObserveFetchResult(crawler string, success bool) {
	Init()
	result := "fail"
	if success {
		result = "success"
	}
	fetchResultsTotal.WithLabelValues(crawler, result).Inc()
}

// ObserveFetch records latency and size for one fetch.
func ObserveFetch(rawURL string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveParse counts one parse result.
func ObserveParse(crawler, kind string) {
	Init()
	parseResultsTotal.WithLabelValues(crawler, kind).Inc()
}

// ObserveCommand counts one control command.
func ObserveCommand(command, status string) {
	Init()
	controlCommandsTotal.WithLabelValues(command, status).Inc()
}

// SetQueueSize records the latest size of a queue.
func SetQueueSize(name string, n int) {
	Init()
	queueSize.WithLabelValues(name).Set(float64(n))
}

// ObservePersisted counts tasks drained to or reloaded from the store.
func ObservePersisted(crawler, direction string, n int) {
	Init()
	if n > 0 {
		persistedTasksTotal.WithLabelValues(crawler, direction).Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}
