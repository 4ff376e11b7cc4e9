package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turingvote"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	tallyMetricsOnce sync.Once
	tallyRegistry    *TallyMetrics
)

// API returns the lazily-initialised registry recording HTTP API activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = strings.ToUpper(labelOr(method, "unknown"))
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter.
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// TallyMetrics wraps collectors tracking the reconciliation engine.
type TallyMetrics struct {
	reconciliations *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	writes          *prometheus.CounterVec
	writeLatency    *prometheus.HistogramVec
	pending         prometheus.Gauge
	votingEnabled   prometheus.Gauge
	candidateWeight *prometheus.GaugeVec
	resubscribes    prometheus.Counter
}

// Tally exposes the metrics registry for the tally engine and listener.
func Tally() *TallyMetrics {
	tallyMetricsOnce.Do(func() {
		tallyRegistry = &TallyMetrics{
			reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "reconciliations_total",
				Help:      "Count of aggregate rebuilds segmented by trigger and outcome.",
			}, []string{"trigger", "outcome"}),
			reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "reconcile_duration_seconds",
				Help:      "Time spent folding the event log and ranking candidates.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			}),
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "writes_total",
				Help:      "Ledger writes segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "write_confirm_seconds",
				Help:      "Latency from submission to confirmation for ledger writes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "write_pending",
				Help:      "Indicates whether a ledger write is awaiting confirmation (1) or not (0).",
			}),
			votingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "voting_enabled",
				Help:      "Ledger voting flag as last observed (1 enabled, 0 disabled).",
			}),
			candidateWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tally",
				Name:      "candidate_weight",
				Help:      "Aggregate vote weight per candidate in whole units.",
			}, []string{"candidate"}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "resubscribes_total",
				Help:      "Count of live event subscriptions re-established after a failure.",
			}),
		}
		prometheus.MustRegister(
			tallyRegistry.reconciliations,
			tallyRegistry.reconcileTime,
			tallyRegistry.writes,
			tallyRegistry.writeLatency,
			tallyRegistry.pending,
			tallyRegistry.votingEnabled,
			tallyRegistry.candidateWeight,
			tallyRegistry.resubscribes,
		)
	})
	return tallyRegistry
}

// RecordReconcile counts a rebuild and its latency.
func (m *TallyMetrics) RecordReconcile(trigger string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.reconciliations.WithLabelValues(labelOr(trigger, "unspecified"), outcome).Inc()
	if err == nil {
		m.reconcileTime.Observe(d.Seconds())
	}
}

// RecordWrite counts a ledger write outcome. Outcomes are short reasons such
// as "confirmed", "failed" or "rejected".
func (m *TallyMetrics) RecordWrite(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	operation = labelOr(operation, "unknown")
	m.writes.WithLabelValues(operation, labelOr(outcome, "unspecified")).Inc()
	if outcome == "confirmed" {
		m.writeLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// SetPending toggles the write_pending gauge.
func (m *TallyMetrics) SetPending(pending bool) {
	if m == nil {
		return
	}
	m.pending.Set(boolGauge(pending))
}

// SetVotingEnabled mirrors the ledger voting flag.
func (m *TallyMetrics) SetVotingEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.votingEnabled.Set(boolGauge(enabled))
}

// SetCandidateWeight publishes a candidate's total in whole units given the
// number of decimals of the base unit.
func (m *TallyMetrics) SetCandidateWeight(candidate string, total *big.Int, decimals int) {
	if m == nil {
		return
	}
	m.candidateWeight.WithLabelValues(labelOr(candidate, "unknown")).Set(scaledFloat(total, decimals))
}

// RecordResubscribe counts a re-established live subscription.
func (m *TallyMetrics) RecordResubscribe() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func scaledFloat(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	}
	floatVal, acc := f.Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
