package emit

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
	"github.com/hpungsan/nudge/internal/session"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ranked(statement string, authority advice.Authority) advice.RankedItem {
	return advice.RankedItem{
		Candidate: advice.Candidate{
			ID:        advice.NewCandidateID(advice.SourceInsight, statement),
			Source:    advice.SourceInsight,
			Statement: statement,
		},
		Authority: authority,
	}
}

type stubSynth struct {
	text string
	err  error
}

func (s stubSynth) Synthesize(context.Context, []advice.RankedItem) (string, error) {
	return s.text, s.err
}

func TestTemplate(t *testing.T) {
	items := []advice.RankedItem{
		ranked("Validate token expiry\n  before refresh", advice.AuthorityWarning),
		ranked("Run the auth tests", advice.AuthorityNote),
	}
	require.Equal(t, "[WARNING] Validate token expiry before refresh\n[NOTE] Run the auth tests", Template(items))
	require.Equal(t, "", Template(nil))
}

func TestCompose(t *testing.T) {
	ctx := context.Background()
	items := []advice.RankedItem{ranked("Validate token expiry before refresh", advice.AuthorityNote)}
	tmpl := Template(items)

	text, synthesized := NewComposer(nil, nil).Compose(ctx, items)
	require.Equal(t, tmpl, text)
	require.False(t, synthesized)

	grounded := "- [NOTE] Validate the token expiry before each refresh"
	text, synthesized = NewComposer(stubSynth{text: grounded}, zap.NewNop()).Compose(ctx, items)
	require.Equal(t, grounded, text)
	require.True(t, synthesized)

	invented := grounded + "\nDeploy only on fridays"
	text, synthesized = NewComposer(stubSynth{text: invented}, zap.NewNop()).Compose(ctx, items)
	require.Equal(t, tmpl, text)
	require.False(t, synthesized)

	text, synthesized = NewComposer(stubSynth{err: stderrors.New("model offline")}, zap.NewNop()).Compose(ctx, items)
	require.Equal(t, tmpl, text)
	require.False(t, synthesized)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	text, synthesized = NewComposer(stubSynth{text: grounded}, zap.NewNop()).Compose(cancelled, items)
	require.Equal(t, tmpl, text)
	require.False(t, synthesized)
}

func TestGrounded_EmptyTextIsNotGrounded(t *testing.T) {
	items := []advice.RankedItem{ranked("Validate token expiry", advice.AuthorityNote)}
	require.False(t, Grounded("  \n\n", items))
	require.False(t, Grounded("[NOTE]", items))
}

func TestMentions(t *testing.T) {
	statements := Statements([]advice.RankedItem{
		ranked("Run bash tests after editing `src/auth.py`, e.g. with pytest", advice.AuthorityNote),
		ranked("Grep for callers in config.yaml", advice.AuthorityNote),
	})
	require.Equal(t, []string{"bash", "grep"}, MentionedTools(statements))
	require.Equal(t, []string{"config.yaml", "src/auth.py"}, MentionedFiles(statements))
	require.Nil(t, MentionedFiles([]string{"No paths here"}))
}

func TestImplicitResult(t *testing.T) {
	p := &session.PendingAdvisory{
		TraceID:        "tr",
		MentionedTools: []string{"bash"},
		MentionedFiles: []string{"src/auth.py"},
	}

	require.Equal(t, advice.ResultFollowed, ImplicitResult(p, &advice.ToolContext{Tool: "Bash"}))
	require.Equal(t, advice.ResultFollowed, ImplicitResult(p, &advice.ToolContext{Tool: "Edit", FileHints: []string{"/repo/src/auth.py"}}))
	require.Equal(t, advice.ResultIgnored, ImplicitResult(p, &advice.ToolContext{Tool: "Read", FileHints: []string{"README.md"}}))
}

func TestNewTraceID(t *testing.T) {
	a := NewTraceID(t0)
	b := NewTraceID(t0)
	require.Len(t, a, 26)
	require.NotEqual(t, a, b)
}

// =============================================================================
// Recorder
// =============================================================================

type recorderFixture struct {
	db      *sql.DB
	trust   *rank.TrustTable
	packets *packet.Cache
	rec     *Recorder
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	trust := rank.NewTrustTable(cfg.Trust, database)
	cache, err := packet.New(context.Background(), database, packet.OptionsFromConfig(cfg), zap.NewNop())
	require.NoError(t, err)
	return &recorderFixture{
		db:      database,
		trust:   trust,
		packets: cache,
		rec:     NewRecorder(database, trust, cache, zap.NewNop()),
	}
}

func TestRecorder_ApplyOutcomeUpdatesTrustAndPacket(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t)

	require.NoError(t, f.packets.Store(ctx, &packet.Packet{
		Fingerprint:  "fp1",
		Tool:         "edit",
		Phase:        advice.PhaseExecution,
		Text:         "[NOTE] Validate token expiry",
		CandidateIDs: []string{"c1"},
	}))
	require.NoError(t, f.rec.Record(ctx, &advice.EmissionEvent{
		TraceID:           "tr1",
		SessionID:         "s1",
		Tool:              "edit",
		Decision:          advice.DecisionPacket,
		Authority:         advice.AuthorityNote,
		ReasonCode:        "emitted",
		CandidateIDs:      []string{"c1", "c2"},
		Sources:           []advice.Source{advice.SourceInsight, advice.SourceInsight, advice.SourcePlaybook},
		PacketFingerprint: "fp1",
		Timestamp:         t0,
	}))

	res, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultHelpful, Timestamp: t0})
	require.NoError(t, err)

	// rate 0.1 is capped by max_delta 0.05
	require.InDelta(t, 0.65, res.Trust[advice.SourceInsight], 1e-9)
	require.InDelta(t, 0.65, res.Trust[advice.SourcePlaybook], 1e-9)
	require.InDelta(t, 0.6, f.trust.Get(advice.SourceFeed), 1e-9)
	require.NotNil(t, res.PacketEffectiveness)
	require.InDelta(t, 0.65, *res.PacketEffectiveness, 1e-9)

	outcomes, err := db.ListOutcomes(ctx, f.db, "tr1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "edit", outcomes[0].Tool)

	stored, err := db.LoadTrust(ctx, f.db)
	require.NoError(t, err)
	require.InDelta(t, 0.65, stored[advice.SourceInsight], 1e-9)
}

func TestRecorder_ApplyOutcomeToleratesMissingPacket(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t)

	require.NoError(t, f.rec.Record(ctx, &advice.EmissionEvent{
		TraceID:           "tr1",
		SessionID:         "s1",
		Tool:              "read",
		Decision:          advice.DecisionPacket,
		Sources:           []advice.Source{advice.SourceFeed},
		PacketFingerprint: "gone",
		Timestamp:         t0,
	}))
	res, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultUnhelpful, Timestamp: t0})
	require.NoError(t, err)
	require.Nil(t, res.PacketEffectiveness)
	require.InDelta(t, 0.55, res.Trust[advice.SourceFeed], 1e-9)
}

func TestRecorder_OneOutcomePerTrace(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t)

	require.NoError(t, f.rec.Record(ctx, &advice.EmissionEvent{
		TraceID:   "tr1",
		SessionID: "s1",
		Tool:      "edit",
		Decision:  advice.DecisionEmit,
		Sources:   []advice.Source{advice.SourceInsight},
		Timestamp: t0,
	}))

	res, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultUnhelpful, Timestamp: t0})
	require.NoError(t, err)
	require.InDelta(t, 0.55, res.Trust[advice.SourceInsight], 1e-9)

	for i := 0; i < 20; i++ {
		_, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultUnhelpful, Timestamp: t0})
		require.True(t, errors.Is(err, errors.ErrInvalidRequest), "repeat %d: %v", i, err)
	}
	_, err = f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultIgnored, Implicit: true, Timestamp: t0})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	require.InDelta(t, 0.55, f.trust.Get(advice.SourceInsight), 1e-9)
	outcomes, err := db.ListOutcomes(ctx, f.db, "tr1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
}

func TestRecorder_ExplicitOutcomeReplacesImplicit(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t)

	require.NoError(t, f.packets.Store(ctx, &packet.Packet{
		Fingerprint:  "fp1",
		Tool:         "edit",
		Phase:        advice.PhaseExecution,
		Text:         "[NOTE] Validate token expiry",
		CandidateIDs: []string{"c1"},
	}))
	require.NoError(t, f.rec.Record(ctx, &advice.EmissionEvent{
		TraceID:           "tr1",
		SessionID:         "s1",
		Tool:              "edit",
		Decision:          advice.DecisionPacket,
		Sources:           []advice.Source{advice.SourcePlaybook},
		PacketFingerprint: "fp1",
		Timestamp:         t0,
	}))

	res, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultIgnored, Implicit: true, Timestamp: t0})
	require.NoError(t, err)
	require.InDelta(t, 0.575, res.Trust[advice.SourcePlaybook], 1e-9)

	res, err = f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultHelpful, Timestamp: t0.Add(time.Minute)})
	require.NoError(t, err)
	// same place a single helpful outcome would have left it
	require.InDelta(t, 0.65, res.Trust[advice.SourcePlaybook], 1e-9)
	require.NotNil(t, res.PacketEffectiveness)
	require.InDelta(t, 0.65, *res.PacketEffectiveness, 1e-9)

	pk, ok := f.packets.Lookup(ctx, "fp1")
	require.True(t, ok)
	require.Equal(t, 1, pk.HelpfulCount)
	require.Zero(t, pk.IgnoredCount)

	// The explicit report is final.
	_, err = f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr1", Result: advice.ResultUnhelpful, Timestamp: t0.Add(2 * time.Minute)})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	outcomes, err := db.ListOutcomes(ctx, f.db, "tr1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, advice.ResultHelpful, outcomes[0].Result)
	require.False(t, outcomes[0].Implicit)
}

func TestRecorder_ApplyOutcomeErrors(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t)

	_, err := f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "missing", Result: advice.ResultHelpful})
	require.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, f.rec.Record(ctx, &advice.EmissionEvent{
		TraceID:    "tr-silent",
		SessionID:  "s1",
		Tool:       "edit",
		Decision:   advice.DecisionSuppress,
		ReasonCode: "shown_ttl",
		Timestamp:  t0,
	}))
	_, err = f.rec.ApplyOutcome(ctx, advice.Outcome{TraceID: "tr-silent", Result: advice.ResultHelpful})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
