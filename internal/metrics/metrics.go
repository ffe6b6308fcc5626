// Package metrics holds the Prometheus collectors for the turn pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for turnsTotal.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeUpstream = "upstream"
	OutcomePersist  = "persist"
	OutcomeConfig   = "config"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlab_turns_total",
		Help: "Turn submissions by outcome",
	}, []string{"outcome"})
	modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptlab_model_latency_seconds",
		Help:    "Time spent waiting for the language model",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"provider"})
	persistConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlab_persist_conflicts_total",
		Help: "Turn inserts that lost a turn-number race and were retried",
	})
	emptyCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlab_empty_completions_total",
		Help: "Model answers with no text, stored as the placeholder response",
	})
)

func ObserveTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func ObserveModelLatency(provider string, d time.Duration) {
	modelLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func ObservePersistConflict() {
	persistConflicts.Inc()
}

func ObserveEmptyCompletion() {
	emptyCompletions.Inc()
}
