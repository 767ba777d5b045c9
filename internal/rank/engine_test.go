package rank

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
)

// fixedScorer returns a preset relevance per statement.
type fixedScorer map[string]float64

func (f fixedScorer) Relevance(c *advice.Candidate, _ *Query) float64 { return f[c.Statement] }

func relevanceOnly() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Weights = config.Weights{Relevance: 1}
	return cfg
}

func mk(source advice.Source, statement string) advice.Candidate {
	return advice.Candidate{
		ID:             advice.NewCandidateID(source, statement),
		Source:         source,
		Statement:      statement,
		BaseConfidence: 0.5,
	}
}

var readCtx = &advice.ToolContext{SessionID: "s1", Tool: "Read", FileHints: []string{"pkg/db/db.go"}}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Relevance: 2, Quality: 1, Trust: 1}.normalize()
	require.InDelta(t, 0.5, w.Relevance, 1e-9)
	require.InDelta(t, 1.0, w.Relevance+w.Quality+w.Trust, 1e-9)

	zero := Weights{}.normalize()
	require.Equal(t, Weights{Relevance: 1}, zero)

	neg := Weights{Relevance: -1, Quality: 1}.normalize()
	require.Equal(t, Weights{Quality: 1}, neg)
}

func TestNewEngine_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Weights = config.Weights{Relevance: 3, Quality: 1}
	cfg.Thresholds.Warning = 0.8
	e := NewEngine(cfg, nil)

	require.InDelta(t, 0.75, e.Weights().Relevance, 1e-9)
	require.InDelta(t, 0.25, e.Weights().Quality, 1e-9)
	require.Zero(t, e.Weights().Trust)

	want := advice.Thresholds{Whisper: 0.30, Note: 0.50, Warning: 0.8, Block: 0.90}
	if diff := cmp.Diff(want, e.Thresholds()); diff != "" {
		t.Errorf("thresholds mismatch (-want +got):\n%s", diff)
	}
}

func TestRank_ScoreBoundedAndDeterministic(t *testing.T) {
	cfg := config.DefaultConfig()
	e := NewEngine(cfg, nil)

	cands := []advice.Candidate{
		mk(advice.SourceInsight, "Close database rows after iterating"),
		mk(advice.SourceFeed, "Wrap errors with context"),
		mk(advice.SourcePlaybook, "Check the WAL pragma on open"),
	}
	cands[0].Validations = 1000
	cands[0].BaseConfidence = 5 // out of range input is clipped

	first := e.Rank(context.Background(), cands, readCtx)
	second := e.Rank(context.Background(), cands, readCtx)

	for _, it := range first.Items {
		require.GreaterOrEqual(t, it.RankScore, 0.0)
		require.LessOrEqual(t, it.RankScore, 1.0)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Rank() not deterministic (-first +second):\n%s", diff)
	}
}

func TestRank_TieBreakBySourcePriority(t *testing.T) {
	scorer := fixedScorer{"alpha rule": 0.6, "beta rule": 0.6, "gamma rule": 0.6}
	e := NewEngine(relevanceOnly(), nil, WithScorer(scorer))

	cands := []advice.Candidate{
		mk(advice.SourceFeed, "alpha rule"),
		mk(advice.SourceInsight, "beta rule"),
		mk(advice.SourcePlaybook, "gamma rule"),
	}
	got := e.Rank(context.Background(), cands, readCtx)

	var order []advice.Source
	for _, it := range got.Items {
		order = append(order, it.Source)
	}
	want := []advice.Source{advice.SourcePlaybook, advice.SourceInsight, advice.SourceFeed}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestRank_NearDuplicateDropped(t *testing.T) {
	high := "Run the unit tests before committing changes"
	low := "Run unit tests before committing changes."
	scorer := fixedScorer{high: 0.70, low: 0.65}
	e := NewEngine(relevanceOnly(), nil, WithScorer(scorer))

	got := e.Rank(context.Background(), []advice.Candidate{
		mk(advice.SourceInsight, low),
		mk(advice.SourceInsight, high),
	}, readCtx)

	require.Len(t, got.Items, 1)
	require.Equal(t, high, got.Items[0].Statement)
	require.InDelta(t, 0.70, got.Items[0].RankScore, 1e-9)
	require.Equal(t, advice.AuthorityWarning, got.Items[0].Authority)
	require.Len(t, got.Duplicates, 1)
	require.Equal(t, low, got.Duplicates[0].Statement)
}

func TestRank_AuthorityFromThresholds(t *testing.T) {
	scorer := fixedScorer{"a note": 0.55, "silent one": 0.1, "block it": 0.95}
	e := NewEngine(relevanceOnly(), nil, WithScorer(scorer))

	got := e.Rank(context.Background(), []advice.Candidate{
		mk(advice.SourceInsight, "a note"),
		mk(advice.SourceInsight, "silent one"),
		mk(advice.SourceInsight, "block it"),
	}, readCtx)

	require.Len(t, got.Items, 3)
	require.Equal(t, advice.AuthorityBlock, got.Items[0].Authority)
	require.Equal(t, advice.AuthorityNote, got.Items[1].Authority)
	require.Equal(t, advice.AuthoritySilent, got.Items[2].Authority)
}

func TestRank_CancelledContextIsPartial(t *testing.T) {
	e := NewEngine(config.DefaultConfig(), nil)
	var cands []advice.Candidate
	for i := 0; i < 3*checkEvery; i++ {
		cands = append(cands, mk(advice.SourceFeed, fmt.Sprintf("statement number %d about topic%d", i, i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := e.Rank(ctx, cands, readCtx)
	require.True(t, got.Partial)
	require.Len(t, got.Items, checkEvery)
}

func TestRank_Empty(t *testing.T) {
	e := NewEngine(config.DefaultConfig(), nil)
	got := e.Rank(context.Background(), nil, readCtx)
	require.Empty(t, got.Items)
	require.False(t, got.Partial)
}

func TestQuality(t *testing.T) {
	low := advice.Candidate{BaseConfidence: 0.5, Validations: 0, Category: "style"}
	high := advice.Candidate{BaseConfidence: 0.5, Validations: 10, Category: "security"}
	require.Less(t, Quality(&low), Quality(&high))

	maxed := advice.Candidate{BaseConfidence: 1, Validations: math.MaxInt32, Category: "security"}
	require.LessOrEqual(t, Quality(&maxed), 1.0)
}

func TestLexicalScorer(t *testing.T) {
	s := NewLexicalScorer(1, 1, 0)
	require.InDelta(t, 0.5, s.IntentWeight, 1e-9)

	tc := &advice.ToolContext{SessionID: "s", Tool: "Edit", Intent: "fix the login handler", FileHints: []string{"auth/login.go"}}
	q := NewQuery(tc)

	onTopic := advice.Candidate{Statement: "The login handler must check token expiry", ContextTags: []string{"auth"}}
	offTopic := advice.Candidate{Statement: "Keep CSS selectors shallow", ContextTags: []string{"frontend"}}
	require.Greater(t, s.Relevance(&onTopic, q), s.Relevance(&offTopic, q))

	zero := NewLexicalScorer(0, 0, 0)
	require.InDelta(t, 1.0/3, zero.TagWeight, 1e-9)
}

func TestSourcePriority(t *testing.T) {
	prio := SourcePriority([]string{"feed", "bogus", "feed"})
	require.Equal(t, 0, prio[advice.SourceFeed])
	require.Equal(t, 1, prio[advice.SourcePlaybook])
	require.Equal(t, 2, prio[advice.SourceInsight])
}
