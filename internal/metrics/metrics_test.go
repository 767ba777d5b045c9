package metrics

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(decisions.WithLabelValues("emit"))
	RecordDecision("emit", 3*time.Millisecond)
	RecordDecision("emit", time.Millisecond)

	if got := testutil.ToFloat64(decisions.WithLabelValues("emit")) - before; got != 2 {
		t.Errorf("emit decisions delta = %v, want 2", got)
	}
}

func TestRecordPacketInvalidations(t *testing.T) {
	before := testutil.ToFloat64(packetInvalidations)
	RecordPacketInvalidations(0)
	RecordPacketInvalidations(-1)
	RecordPacketInvalidations(3)

	if got := testutil.ToFloat64(packetInvalidations) - before; got != 3 {
		t.Errorf("invalidations delta = %v, want 3", got)
	}
}

func TestRecordSourceFetch(t *testing.T) {
	failuresBefore := testutil.ToFloat64(sourceFailures.WithLabelValues("feed"))

	RecordSourceFetch("feed", 4, nil)
	RecordSourceFetch("feed", 0, stderrors.New("timeout"))

	if got := testutil.ToFloat64(sourceFailures.WithLabelValues("feed")) - failuresBefore; got != 1 {
		t.Errorf("feed failures delta = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(sourceCandidates, "nudge_source_candidates"); n < 1 {
		t.Errorf("expected a candidates series, got %d", n)
	}
}

func TestCountersByLabel(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		value  func() float64
	}{
		{"suppression", func() { RecordSuppression("cooldown") }, func() float64 {
			return testutil.ToFloat64(suppressions.WithLabelValues("cooldown"))
		}},
		{"packet lookup", func() { RecordPacketLookup("hit") }, func() float64 {
			return testutil.ToFloat64(packetLookups.WithLabelValues("hit"))
		}},
		{"outcome", func() { RecordOutcome("helpful") }, func() float64 {
			return testutil.ToFloat64(outcomes.WithLabelValues("helpful"))
		}},
		{"prefetch", func() { RecordPrefetch("stored") }, func() float64 {
			return testutil.ToFloat64(prefetchJobs.WithLabelValues("stored"))
		}},
		{"budget", RecordBudgetExceeded, func() float64 {
			return testutil.ToFloat64(budgetExceeded)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.value()
			tt.record()
			if got := tt.value() - before; got != 1 {
				t.Errorf("delta = %v, want 1", got)
			}
		})
	}
}
