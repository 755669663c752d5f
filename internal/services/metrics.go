package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// botEvents counts handled events by route.
	botEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_events_total",
			Help: "Incoming bot events by route.",
		},
		[]string{"route"},
	)

	// gateDecisions counts text/voice gate outcomes.
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gate_decisions_total",
			Help: "Access gate decisions for text and voice events.",
		},
		[]string{"decision"},
	)

	// tokensDebited sums debited quota units by kind (chat|voice).
	tokensDebited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_tokens_debited_total",
			Help: "Quota units debited from users.",
		},
		[]string{"kind"},
	)

	// modelLatency records model call duration by outcome.
	modelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_model_call_duration_seconds",
			Help:    "Duration of language-model calls.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"outcome"},
	)

	// paymentPolls counts terminal payment poll states.
	paymentPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_payment_polls_total",
			Help: "Finished payment confirmation polls by final state.",
		},
		[]string{"state"},
	)

	// errorsReported counts errors routed to the global reporter.
	errorsReported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_errors_reported_total",
			Help: "Unhandled errors routed to the error reporter.",
		},
	)
)

func init() {
	prometheus.MustRegister(botEvents, gateDecisions, tokensDebited, modelLatency, paymentPolls, errorsReported)
}
