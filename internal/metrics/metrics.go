// Package metrics holds the Prometheus collectors for the advisory pipeline.
// Collectors register with the default registry; serve mode exposes them at
// GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nudge"

var (
	// decisions counts advise calls by decision (emit, packet, suppress, noop).
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "decisions_total",
		Help:      "Advise decisions by outcome",
	}, []string{"decision"})

	// decisionLatency measures caller-visible advise latency.
	decisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "decision_latency_seconds",
		Help:      "Caller-visible advise latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1},
	})

	// budgetExceeded counts calls that returned a no-op because the budget ran out.
	budgetExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "budget_exceeded_total",
		Help:      "Advise calls that hit the decision budget",
	})

	// suppressions counts gated items by reason code.
	suppressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "suppressions_total",
		Help:      "Gate rejections by reason code",
	}, []string{"reason"})

	// packetLookups counts packet cache lookups by result (hit, miss, relaxed_hit, relaxed_miss, corrupt).
	packetLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packet",
		Name:      "lookups_total",
		Help:      "Packet cache lookups by result",
	}, []string{"result"})

	// packetInvalidations counts packets removed by file invalidation.
	packetInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packet",
		Name:      "invalidations_total",
		Help:      "Packets removed because a referenced file changed",
	})

	// sourceFailures counts adapter errors and timeouts.
	sourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "failures_total",
		Help:      "Candidate source failures by source",
	}, []string{"source"})

	// sourceCandidates observes how many candidates each source returned.
	sourceCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "candidates",
		Help:      "Candidates returned per source fetch",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 200},
	}, []string{"source"})

	// outcomes counts feedback outcomes by result.
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feedback",
		Name:      "outcomes_total",
		Help:      "Recorded outcomes by result",
	}, []string{"result"})

	// prefetchJobs counts prefetch requests by status (stored, skipped, dropped, error).
	prefetchJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "prefetch",
		Name:      "jobs_total",
		Help:      "Prefetch jobs by status",
	}, []string{"status"})
)

// RecordDecision records one advise decision and its caller-visible latency.
func RecordDecision(decision string, elapsed time.Duration) {
	decisions.WithLabelValues(decision).Inc()
	decisionLatency.Observe(elapsed.Seconds())
}

// RecordBudgetExceeded records an advise call that ran out of budget.
func RecordBudgetExceeded() {
	budgetExceeded.Inc()
}

// RecordSuppression records a gate rejection.
func RecordSuppression(reason string) {
	suppressions.WithLabelValues(reason).Inc()
}

// RecordPacketLookup records a packet lookup result.
func RecordPacketLookup(result string) {
	packetLookups.WithLabelValues(result).Inc()
}

// RecordPacketInvalidations records n invalidated packets.
func RecordPacketInvalidations(n int) {
	if n > 0 {
		packetInvalidations.Add(float64(n))
	}
}

// RecordSourceFetch records a source fetch. A failed fetch counts toward failures only.
func RecordSourceFetch(source string, n int, err error) {
	if err != nil {
		sourceFailures.WithLabelValues(source).Inc()
		return
	}
	sourceCandidates.WithLabelValues(source).Observe(float64(n))
}

// RecordOutcome records a feedback outcome.
func RecordOutcome(result string) {
	outcomes.WithLabelValues(result).Inc()
}

// RecordPrefetch records a prefetch job status.
func RecordPrefetch(status string) {
	prefetchJobs.WithLabelValues(status).Inc()
}
