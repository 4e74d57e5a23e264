package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: обмен сообщением с агентом (включая проверку живости)
	MessageDuration *prometheus.HistogramVec

	// Traffic: общее кол-во сообщений по агентам
	MessagesTotal *prometheus.CounterVec

	// Errors: классификация отказов (unreachable, port_exhausted, provisioning, ...)
	ErrorTotal *prometheus.CounterVec

	// Training: исходы и длительность задач обучения
	TrainingJobs     *prometheus.CounterVec
	TrainingDuration *prometheus.HistogramVec
	TrainingRunning  prometheus.Gauge

	// Ports: результаты выделения портов
	PortAllocations *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker на порт агента (0 - закрыт, 1 - открыт, 0.5 - полуоткрыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Dialog: заполненность буфера журнала (backpressure)
	DialogBufferFill prometheus.Gauge

	// Registry: сколько агентов в каждом статусе
	AgentsByStatus *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		MessageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentlab_message_duration_seconds",
			Help:    "Histogram of message relay latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		MessagesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentlab_messages_total",
			Help: "Total number of relayed messages.",
		}, []string{"agent_id"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentlab_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		TrainingJobs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentlab_training_jobs_total",
			Help: "Training jobs by backend and outcome.",
		}, []string{"backend", "outcome"}),

		TrainingDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentlab_training_duration_seconds",
			Help:    "Histogram of training job durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"backend"}),

		TrainingRunning: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentlab_training_running",
			Help: "Number of training jobs currently running.",
		}),

		PortAllocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentlab_port_allocations_total",
			Help: "Port allocation attempts by result.",
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentlab_circuit_breaker_state",
			Help: "Current state of the per-agent circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"port"}),

		DialogBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentlab_dialog_buffer_utilization",
			Help: "Current number of entries waiting in the dialog log buffer.",
		}),

		AgentsByStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentlab_agents",
			Help: "Number of registered agents by status.",
		}, []string{"status"}),
	}
}
