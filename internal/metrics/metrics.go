package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for the HTTP layer and the answering pipeline
type Metrics struct {
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	EventsHandled    *prometheus.CounterVec   // topic, outcome
	HandlerDuration  *prometheus.HistogramVec // topic
	Transitions      *prometheus.CounterVec   // to
	BatchesCompleted prometheus.Counter
	LastBatchSeen    prometheus.Counter
	AnswersGenerated *prometheus.CounterVec // mode
	GapFills         prometheus.Counter
	GenerationErrors *prometheus.CounterVec // mode
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "endpoint"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_handled_total",
				Help: "Event deliveries processed, by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_handler_duration_seconds",
				Help:    "Duration of event handlers",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
			},
			[]string{"topic"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questionnaire_transitions_total",
				Help: "Questionnaire state transitions, by target state",
			},
			[]string{"to"},
		),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_completed_total",
			Help: "Answer batches persisted",
		}),
		LastBatchSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_last_batch_seen_total",
			Help: "Batches delivered carrying the last batch index",
		}),
		AnswersGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_answers_generated_total",
				Help: "Answers written by the generator, by mode",
			},
			[]string{"mode"},
		),
		GapFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_gap_fills_total",
			Help: "Questions re-dispatched after a batch response omitted them",
		}),
		GenerationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_generation_errors_total",
				Help: "Generator failures, by mode",
			},
			[]string{"mode"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestCounter,
			m.RequestDuration,
			m.EventsHandled,
			m.HandlerDuration,
			m.Transitions,
			m.BatchesCompleted,
			m.LastBatchSeen,
			m.AnswersGenerated,
			m.GapFills,
			m.GenerationErrors,
		)
	}
	return m
}
