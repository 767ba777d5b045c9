package emit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/metrics"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
)

// NewTraceID returns a new ULID trace identifier.
func NewTraceID(now time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Recorder appends emission events and routes outcome signals back into
// source trust and packet effectiveness.
type Recorder struct {
	db      *sql.DB
	trust   *rank.TrustTable
	packets *packet.Cache
	logger  *zap.Logger
}

// NewRecorder creates a recorder. packets may be nil when the cache is off.
func NewRecorder(database *sql.DB, trust *rank.TrustTable, packets *packet.Cache, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: database, trust: trust, packets: packets, logger: logger}
}

// Record appends e to the event log.
func (r *Recorder) Record(ctx context.Context, e *advice.EmissionEvent) error {
	return db.InsertEvent(ctx, r.db, e)
}

// FeedbackResult is what an outcome changed.
type FeedbackResult struct {
	TraceID             string                    `json:"trace_id"`
	Result              advice.Result             `json:"result"`
	Trust               map[advice.Source]float64 `json:"trust"`
	PacketFingerprint   string                    `json:"packet_fingerprint,omitempty"`
	PacketEffectiveness *float64                  `json:"packet_effectiveness,omitempty"`
}

// ApplyOutcome records o against its emission event, moves the trust of
// every source that contributed to it and, when the advisory came from the
// packet cache, folds the result into that packet's effectiveness.
//
// A trace takes one outcome. An explicit report may replace an implicit
// outcome, in which case the implicit contribution is swapped out rather
// than stacked; any other repeat is rejected.
func (r *Recorder) ApplyOutcome(ctx context.Context, o advice.Outcome) (*FeedbackResult, error) {
	ev, err := db.GetEvent(ctx, r.db, o.TraceID)
	if err != nil {
		return nil, err
	}
	if ev.Decision != advice.DecisionEmit && ev.Decision != advice.DecisionPacket {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("trace %s emitted nothing (decision %s)", o.TraceID, ev.Decision))
	}
	if o.Tool == "" {
		o.Tool = ev.Tool
	}

	var prev advice.Result
	inserted, err := db.InsertOutcome(ctx, r.db, &o)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if prev, err = r.replaceImplicit(ctx, &o); err != nil {
			return nil, err
		}
	}
	metrics.RecordOutcome(string(o.Result))

	res := &FeedbackResult{
		TraceID: o.TraceID,
		Result:  o.Result,
		Trust:   make(map[advice.Source]float64),
	}
	var prevSignal float64
	if prev != "" {
		prevSignal = prev.Signal()
	}
	signal := o.Result.Signal()
	for _, src := range ev.Sources {
		if _, done := res.Trust[src]; done {
			continue
		}
		v, err := r.trust.Revise(ctx, src, prevSignal, signal)
		if err != nil {
			return nil, err
		}
		res.Trust[src] = v
	}

	if ev.PacketFingerprint != "" && r.packets != nil {
		eff, err := r.packets.ReviseOutcome(ctx, ev.PacketFingerprint, prev, o.Result)
		switch {
		case err == nil:
			res.PacketFingerprint = ev.PacketFingerprint
			res.PacketEffectiveness = &eff
		case errors.Is(err, errors.ErrNotFound):
			// expired or invalidated since it was served
			r.logger.Debug("feedback for missing packet",
				zap.String("trace_id", o.TraceID),
				zap.String("fingerprint", ev.PacketFingerprint),
			)
		default:
			return nil, err
		}
	}
	return res, nil
}

// replaceImplicit swaps the trace's stored implicit outcome for the
// explicit o and returns the result it replaced.
func (r *Recorder) replaceImplicit(ctx context.Context, o *advice.Outcome) (advice.Result, error) {
	already := errors.NewInvalidRequest(fmt.Sprintf("trace %s already has an outcome", o.TraceID))
	if o.Implicit {
		return "", already
	}
	stored, err := db.GetOutcome(ctx, r.db, o.TraceID)
	if err != nil {
		return "", err
	}
	if !stored.Implicit {
		return "", already
	}
	replaced, err := db.ReplaceImplicitOutcome(ctx, r.db, o, stored.Result)
	if err != nil {
		return "", err
	}
	if !replaced {
		return "", already
	}
	return stored.Result, nil
}
