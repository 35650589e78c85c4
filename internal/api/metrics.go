package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "jbigflow"

type metrics struct {
	registry *prometheus.Registry

	inFlight        prometheus.Gauge
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	responseBytes   *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	queueEnqueued   *prometheus.CounterVec
	convertDuration *prometheus.HistogramVec
	convertInput    prometheus.Histogram
}

func newMetrics() *metrics {
	httpLabels := []string{"method", "route", "status"}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests served, by route and status.",
		}, httpLabels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, httpLabels),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "response_bytes",
			Help:    "Bytes written per HTTP response.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "Requests turned away by the rate limiter.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Conversion jobs handed to the queue.",
		}, []string{"queue"}),
		convertDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "convert_duration_seconds",
			Help:    "Synchronous JBIG1 conversion latency by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		convertInput: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "api", Name: "convert_input_bytes",
			Help:    "Size of JBIG1 bodies sent to the synchronous converter.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight, m.requests, m.latency, m.responseBytes,
		m.rateLimited, m.queueEnqueued, m.convertDuration, m.convertInput,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		code := strconv.Itoa(rec.status)
		m.requests.WithLabelValues(r.Method, route, code).Inc()
		m.latency.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
		m.responseBytes.WithLabelValues(route).Observe(float64(rec.written))
	})
}

// routeLabel collapses request paths onto the registered routes so job ids
// do not leak into label values.
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/start") {
			return "/v1/jobs/{id}/start"
		}
		return "/v1/jobs/{id}"
	}
	switch path {
	case "/v1/jobs", "/v1/convert", "/healthz", "/metrics":
		return path
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}
