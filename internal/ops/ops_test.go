package ops

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/advisor"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/emit"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
	"github.com/hpungsan/nudge/internal/session"
	"github.com/hpungsan/nudge/internal/source"
)

// statementScorer scores candidates by statement; with relevance as the
// only weight that is the rank score.
type statementScorer map[string]float64

func (s statementScorer) Relevance(c *advice.Candidate, _ *rank.Query) float64 {
	return s[c.Statement]
}

type testEnv struct {
	cfg   *config.Config
	db    *sql.DB
	cache *packet.Cache
	trust *rank.TrustTable
	pipe  *advisor.Pipeline
}

// newTestEnv wires a pipeline over the sqlite insight feed. Import and
// export paths are allowed in dir.
func newTestEnv(t *testing.T, scores statementScorer) (*testEnv, string) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.Weights = config.Weights{Relevance: 1}
	cfg.DecisionBudgetMs = 10000
	cfg.AllowedPaths = []string{dir}

	cache, err := packet.New(context.Background(), database, packet.OptionsFromConfig(cfg), zap.NewNop())
	require.NoError(t, err)
	trust := rank.NewTrustTable(cfg.Trust, database)

	pipe := advisor.New(cfg, advisor.Deps{
		Collector: source.NewCollector([]source.Adapter{source.NewInsight(database, 0)}, time.Second, 0, zap.NewNop()),
		Engine:    rank.NewEngine(cfg, trust, rank.WithScorer(scores)),
		Sessions:  session.NewStore(cfg.MaxSessions),
		Packets:   cache,
		Recorder:  emit.NewRecorder(database, trust, cache, zap.NewNop()),
	})
	return &testEnv{cfg: cfg, db: database, cache: cache, trust: trust, pipe: pipe}, dir
}

func (e *testEnv) seed(t *testing.T, statements ...string) {
	t.Helper()
	for _, s := range statements {
		c := advice.Candidate{ID: advice.NewCandidateID(advice.SourceInsight, s), Source: advice.SourceInsight, Statement: s}
		_, err := db.UpsertCandidate(context.Background(), e.db, &c, time.Now().Unix())
		require.NoError(t, err)
	}
}

func (e *testEnv) advise(t *testing.T, tc *advice.ToolContext) *advisor.Advisory {
	t.Helper()
	a := e.pipe.Advise(context.Background(), tc)
	e.pipe.Wait()
	return a
}

func TestFeedback_Validation(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		input FeedbackInput
	}{
		{"missing trace", FeedbackInput{Result: "helpful"}},
		{"missing result", FeedbackInput{TraceID: "01TRACE"}},
		{"unknown result", FeedbackInput{TraceID: "01TRACE", Result: "meh"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Feedback(ctx, env.pipe, tc.input)
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}

	_, err := Feedback(ctx, env.pipe, FeedbackInput{TraceID: "01UNKNOWN", Result: " Helpful "})
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestFeedback_RaisesTrust(t *testing.T) {
	stmt := "Run go vet before committing"
	env, _ := newTestEnv(t, statementScorer{stmt: 0.6})
	env.seed(t, stmt)

	a := env.advise(t, &advice.ToolContext{SessionID: "s1", Tool: "Bash"})
	require.Equal(t, advice.DecisionEmit, a.Decision)

	res, err := Feedback(context.Background(), env.pipe, FeedbackInput{TraceID: a.TraceID, Result: "helpful"})
	require.NoError(t, err)
	require.InDelta(t, 0.65, res.Trust[advice.SourceInsight], 1e-9)
	require.InDelta(t, 0.65, env.trust.Get(advice.SourceInsight), 1e-9)
}

func TestInvalidate(t *testing.T) {
	stmt := "Check src/auth.py for token reuse"
	env, _ := newTestEnv(t, statementScorer{stmt: 0.6})
	env.seed(t, stmt)
	ctx := context.Background()

	_, err := Invalidate(ctx, env.pipe, InvalidateInput{File: "  "})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	env.advise(t, &advice.ToolContext{SessionID: "s1", Tool: "Read"})
	require.Equal(t, 1, env.cache.Len())

	out, err := Invalidate(ctx, env.pipe, InvalidateInput{File: "src/auth.py"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Invalidated)
	require.Equal(t, 0, env.cache.Len())
}

func TestListPackets_Pagination(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()
	for _, tool := range []string{"read", "edit", "bash"} {
		fp := advice.FingerprintOf(&advice.ToolContext{SessionID: "s", Tool: tool})
		require.NoError(t, env.cache.Store(ctx, &packet.Packet{
			Fingerprint: fp.Key, Tool: fp.Tool, Phase: fp.Phase, Text: "[NOTE] " + tool,
		}))
	}

	out, err := ListPackets(ctx, env.cache, PacketsInput{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	require.Equal(t, Pagination{Limit: 2, Offset: 0, HasMore: true, Total: 3}, out.Pagination)

	out, err = ListPackets(ctx, env.cache, PacketsInput{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	require.False(t, out.Pagination.HasMore)

	out, err = ListPackets(ctx, env.cache, PacketsInput{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, out.Items)
	require.Equal(t, DefaultListLimit, out.Pagination.Limit)

	out, err = ListPackets(ctx, env.cache, PacketsInput{Limit: 1000})
	require.NoError(t, err)
	require.Equal(t, MaxListLimit, out.Pagination.Limit)

	_, err = ListPackets(ctx, env.cache, PacketsInput{Offset: -1})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	out, err = ListPackets(ctx, nil, PacketsInput{})
	require.NoError(t, err)
	require.NotNil(t, out.Items)
}

func TestTrust_ShowAndReset(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.trust.Update(ctx, advice.SourcePlaybook, 1)
	require.NoError(t, err)

	out := Trust(env.trust)
	require.Equal(t, 0.2, out.Floor)
	require.Equal(t, 1.0, out.Ceiling)
	byName := make(map[advice.Source]rank.SourceTrust)
	for _, s := range out.Sources {
		byName[s.Source] = s
	}
	require.True(t, byName[advice.SourcePlaybook].Learned)
	require.InDelta(t, 0.65, byName[advice.SourcePlaybook].Trust, 1e-9)
	require.False(t, byName[advice.SourceFeed].Learned)

	out, err = ResetTrust(ctx, env.trust)
	require.NoError(t, err)
	for _, s := range out.Sources {
		require.False(t, s.Learned)
		require.Equal(t, 0.6, s.Trust)
	}
}
