// Package metrics exposes the Prometheus instrumentation surface: limiter
// observer bridge, pipeline gauges, and HTTP middleware counters, all on a
// private registry served at /metrics.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phxdata/propflow/internal/ratelimit"
)

// Metrics owns every collector. A private registry keeps test processes
// from colliding on the default global one.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	rateLimitHits  *prometheus.CounterVec
	limiterResets  *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
	extractionTime prometheus.Histogram
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	queueDepth     prometheus.Gauge
	dlqEnqueued    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New builds the full collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "requests_total",
		Help: "Admitted upstream requests per source.",
	}, []string{"source"})
	m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "rate_limit_hits_total",
		Help: "Admission waits and upstream throttles per source.",
	}, []string{"source"})
	m.limiterResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "limiter_resets_total",
		Help: "Manual limiter history resets per source.",
	}, []string{"source"})
	m.itemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "items_processed_total",
		Help: "Pipeline items by source and outcome.",
	}, []string{"source", "outcome"})
	m.processingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "propflow", Name: "item_processing_seconds",
		Help:    "Per-item pipeline latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"source"})
	m.extractionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "propflow", Name: "llm_extraction_seconds",
		Help:    "LLM extraction latency including cache misses only.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "propflow", Name: "extraction_cache_hits_total",
		Help: "Extraction cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "propflow", Name: "extraction_cache_misses_total",
		Help: "Extraction cache misses.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "propflow", Name: "service_queue_depth",
		Help: "Items waiting in the processing service queue.",
	})
	m.dlqEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "dead_letters_total",
		Help: "Items dead-lettered, by error kind.",
	}, []string{"kind"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propflow", Name: "http_requests_total",
		Help: "HTTP requests by route, method, and status.",
	}, []string{"route", "method", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "propflow", Name: "http_request_seconds",
		Help:    "HTTP handler latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	m.registry.MustRegister(
		m.requestsTotal, m.rateLimitHits, m.limiterResets,
		m.itemsProcessed, m.processingTime, m.extractionTime,
		m.cacheHits, m.cacheMisses, m.queueDepth, m.dlqEnqueued,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveItem records one pipeline item outcome.
func (m *Metrics) ObserveItem(source, outcome string, d time.Duration) {
	m.itemsProcessed.WithLabelValues(source, outcome).Inc()
	m.processingTime.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveExtraction records one uncached LLM call.
func (m *Metrics) ObserveExtraction(d time.Duration) {
	m.extractionTime.Observe(d.Seconds())
}

// ObserveCache folds an extraction-cache lookup outcome in.
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// SetQueueDepth publishes the service queue backlog.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ObserveDeadLetter counts one dead-lettered item.
func (m *Metrics) ObserveDeadLetter(kind string) {
	m.dlqEnqueued.WithLabelValues(kind).Inc()
}

// Observer returns the ratelimit.Observer bridge feeding the limiter
// counters. Register it on the limiter at wiring time.
func (m *Metrics) Observer() ratelimit.Observer {
	return limiterBridge{m: m}
}

type limiterBridge struct {
	m *Metrics
}

func (b limiterBridge) RequestMade(source string, _ time.Time) {
	b.m.requestsTotal.WithLabelValues(source).Inc()
}

func (b limiterBridge) RateLimitHit(source string, _ time.Duration) {
	b.m.rateLimitHits.WithLabelValues(source).Inc()
}

func (b limiterBridge) LimiterReset(source string) {
	b.m.limiterResets.WithLabelValues(source).Inc()
}

// Middleware instruments HTTP handlers. Routes registered through mux get
// their path template as the route label; everything else falls back to
// the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
