package reply

import "github.com/prometheus/client_golang/prometheus"

var (
	// chunksSent counts chunks delivered, by render mode and whether the
	// plain-text fallback was needed.
	chunksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reply_chunks_total",
			Help: "Reply chunks sent, by render mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(chunksSent)
}

func modeLabel(m string) string {
	if m == "" {
		return "plain"
	}
	return m
}
