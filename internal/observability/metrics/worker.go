package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageInFlight prometheus.Gauge
	queueLag      *prometheus.HistogramVec
	modelOutcomes *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "worker",
			Name:      "stage_total",
			Help:      "Total executed pipeline stages by stage and status.",
		},
		[]string{"service", "stage", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cia",
			Subsystem: "worker",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds by stage and status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 45, 60, 90, 120, 180},
		},
		[]string{"service", "stage", "status"},
	)
	stageInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cia",
			Subsystem: "worker",
			Name:      "stage_in_flight",
			Help:      "Number of in-flight pipeline stage executions.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cia",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between stage dispatch and stage execution start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	modelOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cia",
			Subsystem: "worker",
			Name:      "model_outcomes_total",
			Help:      "Total per-model analysis outcomes by status.",
		},
		[]string{"service", "model", "status"},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, queueLag, modelOutcomes)

	return &WorkerMetrics{
		registry:      registry,
		stageTotal:    stageTotal,
		stageDuration: stageDuration,
		stageInFlight: stageInFlight,
		queueLag:      queueLag,
		modelOutcomes: modelOutcomes,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartStage() {
	m.stageInFlight.Inc()
}

func (m *WorkerMetrics) FinishStage(service, stage string, duration time.Duration, err error) {
	m.stageInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.stageTotal.WithLabelValues(service, stage, status).Inc()
	m.stageDuration.WithLabelValues(service, stage, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordModelOutcome(service, model string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	if model == "" {
		model = "unknown"
	}
	m.modelOutcomes.WithLabelValues(service, model, status).Inc()
}
