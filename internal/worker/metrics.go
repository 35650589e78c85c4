package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	toolFailuresTotal  *prometheus.CounterVec
	outputsTotal       prometheus.Counter
	pixelsDecodedTotal prometheus.Counter
	inputBytesTotal    prometheus.Counter
	computeTimeMSTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jbigflow_worker_jobs_total",
			Help: "Total conversion jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jbigflow_worker_job_duration_seconds",
			Help:    "Wall time of each conversion job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jbigflow_worker_active_jobs",
			Help: "Conversion jobs currently holding a worker slot.",
		}),
		toolFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jbigflow_worker_tool_failures_total",
			Help: "Conversion failures attributed to an external tool.",
		}, []string{"tool"}),
		outputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jbigflow_worker_outputs_total",
			Help: "Total outputs emitted by the worker.",
		}),
		pixelsDecodedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jbigflow_usage_pixels_decoded_total",
			Help: "Total bitmap pixels decoded across successful jobs.",
		}),
		inputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jbigflow_usage_input_bytes_total",
			Help: "Total JBIG1 input bytes across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jbigflow_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.toolFailuresTotal,
		m.outputsTotal,
		m.pixelsDecodedTotal,
		m.inputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
