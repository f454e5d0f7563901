// Package metrics exposes Prometheus collectors for ingestion runs and the ops API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	itemsTotal           *prometheus.CounterVec
	stageFailuresTotal   *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	discoveredLinksTotal *prometheus.CounterVec
	uploadsTotal         *prometheus.CounterVec
	logFlushesTotal      *prometheus.CounterVec
	fetchBytesTotal      *prometheus.CounterVec
	rateLimitDelay       *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		itemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_items_total",
				Help: "Items that reached a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		stageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_stage_failures_total",
				Help: "Stage failures, labeled by stage and error kind.",
			},
			[]string{"stage", "kind"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rivercog_stage_duration_seconds",
				Help:    "Histogram of per-item stage durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		discoveredLinksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_discovered_links_total",
				Help: "Archive links found by discovery, labeled by year.",
			},
			[]string{"year"},
		),
		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_uploads_total",
				Help: "Object uploads, labeled by artifact and status.",
			},
			[]string{"artifact", "status"},
		),
		logFlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_log_flushes_total",
				Help: "Processing log flushes, labeled by status.",
			},
			[]string{"status"},
		),
		fetchBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rivercog_fetch_bytes_total",
				Help: "Archive bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		),
		rateLimitDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rivercog_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the source rate limiter, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// Handler returns an http.Handler exposing the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveItem counts a terminal item.
func (r *Recorder) ObserveItem(outcome string) {
	if r == nil {
		return
	}
	r.itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records a stage duration and, when failed, a failure of kind.
func (r *Recorder) ObserveStage(stage, kind string, duration time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if failed {
		r.stageFailuresTotal.WithLabelValues(stage, kind).Inc()
	}
}

// ObserveDiscovered adds n discovered links for year.
func (r *Recorder) ObserveDiscovered(year string, n int) {
	if r == nil {
		return
	}
	r.discoveredLinksTotal.WithLabelValues(year).Add(float64(n))
}

// ObserveUpload counts an upload attempt of artifact.
func (r *Recorder) ObserveUpload(artifact string, err error) {
	if r == nil {
		return
	}
	r.uploadsTotal.WithLabelValues(artifact, status(err)).Inc()
}

// ObserveLogFlush counts a processing log flush.
func (r *Recorder) ObserveLogFlush(err error) {
	if r == nil {
		return
	}
	r.logFlushesTotal.WithLabelValues(status(err)).Inc()
}

// ObserveFetch adds downloaded bytes for the site of rawURL.
func (r *Recorder) ObserveFetch(rawURL string, bytesFetched int64) {
	if r == nil || bytesFetched <= 0 {
		return
	}
	r.fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
}

// ObserveRateLimitDelay records a wait imposed by the source rate limiter.
func (r *Recorder) ObserveRateLimitDelay(site string, waited time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitDelay.WithLabelValues(site).Observe(waited.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
