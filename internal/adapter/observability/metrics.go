package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks submitted to the queue",
		},
		[]string{"kind", "pool"},
	)
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Number of tasks currently running",
		},
		[]string{"pool"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"kind"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"kind"},
	)
	TasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
		[]string{"kind"},
	)

	AnnotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotations_total",
			Help: "Total number of annotations pushed",
		},
		[]string{"project", "dataset"},
	)
	ProjectsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "projects_loaded",
			Help: "Number of projects currently held in memory",
		},
	)
	EmbedderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embedder_request_duration_seconds",
			Help:    "Embeddings request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksCancelledTotal)
	prometheus.MustRegister(AnnotationsTotal)
	prometheus.MustRegister(ProjectsLoaded)
	prometheus.MustRegister(EmbedderRequestDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitTask(kind, pool string) {
	TasksSubmittedTotal.WithLabelValues(kind, pool).Inc()
}

func StartTask(pool string) {
	TasksRunning.WithLabelValues(pool).Inc()
}

func CompleteTask(kind, pool string) {
	TasksRunning.WithLabelValues(pool).Dec()
	TasksCompletedTotal.WithLabelValues(kind).Inc()
}

func FailTask(kind, pool string) {
	TasksRunning.WithLabelValues(pool).Dec()
	TasksFailedTotal.WithLabelValues(kind).Inc()
}

func CancelTask(kind, pool string) {
	TasksRunning.WithLabelValues(pool).Dec()
	TasksCancelledTotal.WithLabelValues(kind).Inc()
}

// ObserveAnnotation counts one pushed annotation.
func ObserveAnnotation(project, dataset string) {
	AnnotationsTotal.WithLabelValues(project, dataset).Inc()
}
