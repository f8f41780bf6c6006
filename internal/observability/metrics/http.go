package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServerMetrics is the API binary's registry. Each binary owns its
// registry so /metrics never mixes series across processes.
type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	submitTotal           *prometheus.CounterVec
	dispatchTotal         *prometheus.CounterVec
	dispatchFallbackTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cia",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cia",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	submitTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "jobs",
			Name:      "submissions_total",
			Help:      "Total accepted analysis submissions by kind.",
		},
		[]string{"service", "kind"},
	)
	dispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "jobs",
			Name:      "dispatch_total",
			Help:      "Total stage dispatches by mode.",
		},
		[]string{"service", "mode"},
	)
	dispatchFallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "jobs",
			Name:      "dispatch_fallback_total",
			Help:      "Total bus dispatches that fell back to direct invocation.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		submitTotal,
		dispatchTotal,
		dispatchFallbackTotal,
	)

	return &HTTPServerMetrics{
		registry:              registry,
		requestTotal:          requestTotal,
		requestDuration:       requestDuration,
		requestInFlight:       requestInFlight,
		submitTotal:           submitTotal,
		dispatchTotal:         dispatchTotal,
		dispatchFallbackTotal: dispatchFallbackTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

var analysisPathPattern = regexp.MustCompile(`^/v1/analyses/[^/]+`)

func normalizePath(path string) string {
	if path == "/v1/analyses" || path == "/v1/analyses/group" {
		return path
	}
	if loc := analysisPathPattern.FindStringIndex(path); loc != nil {
		return "/v1/analyses/{id}" + path[loc[1]:]
	}
	return path
}

func (m *HTTPServerMetrics) RecordSubmission(service, kind string) {
	if kind == "" {
		kind = "single"
	}
	m.submitTotal.WithLabelValues(service, kind).Inc()
}

func (m *HTTPServerMetrics) RecordDispatch(service, mode string) {
	if mode == "" {
		mode = "direct"
	}
	m.dispatchTotal.WithLabelValues(service, mode).Inc()
}

func (m *HTTPServerMetrics) RecordDispatchFallback(service string) {
	m.dispatchFallbackTotal.WithLabelValues(service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}
