// Package relay – Prometheus instrumentation for the response pipeline.
// Labels are kept to a bounded outcome enum to control cardinality.
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// turnsTotal counts completed relay turns by outcome
	// (ok, upstream_error, send_error).
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Total relay turns by outcome.",
		},
		[]string{"outcome"},
	)

	// chunksSent counts outbound transport chunks flushed by the splitter.
	chunksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_chunks_sent_total",
			Help: "Total outbound message chunks flushed.",
		},
	)

	// continuationsTotal counts continuation requests issued after a
	// length-limit truncation.
	continuationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_continuations_total",
			Help: "Total continuation requests issued after truncation.",
		},
	)
)

func init() {
	prometheus.MustRegister(turnsTotal, chunksSent, continuationsTotal)
}
