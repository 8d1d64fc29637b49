package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "diffuse_pilot"

// Registry holds the Prometheus instruments of the process. It owns its own
// prometheus.Registry so independent instances do not collide.
type Registry struct {
	registry *prometheus.Registry

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	imagesTotal  *prometheus.CounterVec
	queuePending prometheus.Gauge
	queueWait    *prometheus.HistogramVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewRegistry creates a Registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_tasks_total",
				Help:      "Total number of processed generation tasks",
			},
			[]string{"mode", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Generation task duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		imagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generated_images_total",
				Help:      "Total number of stored images",
			},
			[]string{"mode"},
		),
		queuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_pending",
				Help:      "Tasks enqueued and not yet finished",
			},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time spent waiting in queue",
				Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900},
			},
			[]string{"mode"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tasksTotal,
		r.taskDuration,
		r.imagesTotal,
		r.queuePending,
		r.queueWait,
		r.httpRequestsTotal,
		r.httpDuration,
	)
	return r
}

// RecordTask counts a finished task.
func (r *Registry) RecordTask(task TaskRecord) {
	r.tasksTotal.WithLabelValues(task.Mode, task.Status).Inc()
	r.taskDuration.WithLabelValues(task.Mode).Observe(task.Duration.Seconds())
	if task.Images > 0 {
		r.imagesTotal.WithLabelValues(task.Mode).Add(float64(task.Images))
	}
}

// TaskQueued increments the pending gauge.
func (r *Registry) TaskQueued() {
	r.queuePending.Inc()
}

// TaskDone decrements the pending gauge.
func (r *Registry) TaskDone() {
	r.queuePending.Dec()
}

// ObserveQueueWait records how long a task waited before processing.
func (r *Registry) ObserveQueueWait(mode string, wait time.Duration) {
	r.queueWait.WithLabelValues(mode).Observe(wait.Seconds())
}

// RecordHTTPRequest records one API request. route is the matched route
// pattern, not the raw path.
func (r *Registry) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
