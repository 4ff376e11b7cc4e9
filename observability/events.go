package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	observed   *prometheus.CounterVec
	duplicates prometheus.Counter
	unknown    prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking ledger vote events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			observed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "observed_total",
				Help:      "Vote events accepted into the log segmented by source (history or live).",
			}, []string{"source"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "duplicates_total",
				Help:      "Redelivered vote events dropped by identity.",
			}),
			unknown: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "unknown_candidate_total",
				Help:      "Vote events naming a candidate absent from the roster at fold time.",
			}),
		}
		prometheus.MustRegister(eventRegistry.observed, eventRegistry.duplicates, eventRegistry.unknown)
	})
	return eventRegistry
}

// RecordObserved counts accepted events from the supplied source.
func (m *eventMetrics) RecordObserved(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.observed.WithLabelValues(labelOr(source, "unknown")).Add(float64(n))
}

// RecordDuplicates counts dropped redeliveries.
func (m *eventMetrics) RecordDuplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicates.Add(float64(n))
}

// RecordUnknownCandidates counts events that could not be attributed.
func (m *eventMetrics) RecordUnknownCandidates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unknown.Add(float64(n))
}
