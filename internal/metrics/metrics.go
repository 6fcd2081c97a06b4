package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tutoring engine
type Metrics struct {
	// Tutoring turn metrics
	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	BackupAnswers prometheus.Counter

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec

	// Feedback metrics
	InteractionsRecorded prometheus.Counter
	DuplicatesCollapsed  prometheus.Counter
	FanoutDropped        *prometheus.CounterVec
	FanoutErrors         *prometheus.CounterVec

	// Experiment metrics
	Assignments      *prometheus.CounterVec
	ExperimentEvents *prometheus.CounterVec

	// Training metrics
	TrainingJobs    *prometheus.CounterVec
	CorpusExamples  prometheus.Counter
	CorpusPending   prometheus.Gauge
	ModelsDeployed  prometheus.Counter
	Recommendations prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all Prometheus metrics. Repeated calls return
// the same instance; promauto registration must happen once per process.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_tutor_turns_total",
					Help: "Total number of tutoring turns served",
				},
				[]string{"provider_id", "model", "source"}, // source: provider, backup
			),
			TurnDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "darasa_tutor_turn_duration_seconds",
					Help:    "Tutoring turn duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to 51s
				},
				[]string{"source"},
			),
			BackupAnswers: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_tutor_backup_answers_total",
					Help: "Total number of turns answered by the static backup",
				},
			),

			ProviderRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_provider_requests_total",
					Help: "Total number of provider API requests",
				},
				[]string{"provider_id", "model", "success"},
			),
			ProviderErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_provider_errors_total",
					Help: "Total number of provider errors",
				},
				[]string{"provider_id", "error_type"},
			),
			ProviderLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "darasa_provider_request_duration_seconds",
					Help:    "Provider API request duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
				},
				[]string{"provider_id", "model"},
			),
			ProviderTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_provider_tokens_total",
					Help: "Total tokens processed by provider",
				},
				[]string{"provider_id", "model", "type"}, // type: input, output, total
			),

			InteractionsRecorded: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_interactions_recorded_total",
					Help: "Total number of interactions persisted",
				},
			),
			DuplicatesCollapsed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_interactions_duplicates_total",
					Help: "Total number of duplicate interactions collapsed at ingestion",
				},
			),
			FanoutDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_feedback_fanout_dropped_total",
					Help: "Fan-out work dropped because the queue was full",
				},
				[]string{"target"}, // skill, experiment, corpus
			),
			FanoutErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_feedback_fanout_errors_total",
					Help: "Fan-out work that failed after being dequeued",
				},
				[]string{"target"},
			),

			Assignments: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_experiment_assignments_total",
					Help: "Total number of variant assignments",
				},
				[]string{"experiment_id", "variant_id"},
			),
			ExperimentEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_experiment_events_total",
					Help: "Total number of experiment events tracked",
				},
				[]string{"experiment_id", "event_type"},
			),

			TrainingJobs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "darasa_training_jobs_total",
					Help: "Training jobs by terminal status",
				},
				[]string{"status"},
			),
			CorpusExamples: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_corpus_examples_total",
					Help: "Total number of training examples drained to corpus files",
				},
			),
			CorpusPending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "darasa_corpus_pending_examples",
					Help: "Interactions accepted for training but not yet drained",
				},
			),
			ModelsDeployed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_models_deployed_total",
					Help: "Total number of models auto-deployed after training",
				},
			),
			Recommendations: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "darasa_recommendations_served_total",
					Help: "Total number of recommendation requests served",
				},
			),
		}
	})

	return sharedMetrics
}

// RecordProviderRequest records a provider API request
func (m *Metrics) RecordProviderRequest(providerID, model string, success bool, latencySeconds float64, tokens int64) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	m.ProviderRequests.WithLabelValues(providerID, model, successStr).Inc()
	m.ProviderLatency.WithLabelValues(providerID, model).Observe(latencySeconds)
	if tokens > 0 {
		m.ProviderTokens.WithLabelValues(providerID, model, "total").Add(float64(tokens))
	}
}
