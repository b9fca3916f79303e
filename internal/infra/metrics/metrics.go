package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_total",
		Help: "Количество задач по очередям и исходам",
	}, []string{"queue", "outcome"})

	JobsStalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_stalled_total",
		Help: "Количество задач, возвращённых после зависания обработчика",
	}, []string{"queue"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Количество задач в очереди по состояниям",
	}, []string{"queue", "state"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_job_duration_seconds",
		Help:    "Длительность обработки задач",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_contention_total",
		Help: "Пропуски задач из-за занятой блокировки",
	}, []string{"kind"})

	IngestMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Количество сохранённых новых сообщений",
	})

	DigestBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_build_seconds",
		Help:    "Время построения дайджеста",
		Buckets: prometheus.DefBuckets,
	})

	DigestSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_send_errors_total",
		Help: "Ошибки отправки дайджеста",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	AuthStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_state_transitions_total",
		Help: "Переходы канонических состояний авторизации",
	}, []string{"state"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsTotal,
		JobsStalled,
		QueueDepth,
		JobDuration,
		LockContention,
		IngestMessages,
		DigestBuildSeconds,
		DigestSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMTokensTotal,
		AuthStateTransitions,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMTokens записывает количество использованных токенов.
func ObserveLLMTokens(model string, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}
