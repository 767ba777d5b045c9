package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/db"
)

type stubAdapter struct {
	name  advice.Source
	cands []advice.Candidate
	err   error
	delay time.Duration
}

func (s *stubAdapter) Name() advice.Source { return s.name }

func (s *stubAdapter) Fetch(ctx context.Context, _ *advice.ToolContext) ([]advice.Candidate, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.cands, s.err
}

func cand(source advice.Source, statement string) advice.Candidate {
	return advice.Candidate{
		ID:             advice.NewCandidateID(source, statement),
		Source:         source,
		Statement:      statement,
		BaseConfidence: 0.5,
	}
}

func editContext() *advice.ToolContext {
	return &advice.ToolContext{SessionID: "s1", Tool: "Edit", FileHints: []string{"src/auth.py"}}
}

func TestCollect_FailingAdapterSkipped(t *testing.T) {
	c := NewCollector([]Adapter{
		&stubAdapter{name: advice.SourcePlaybook, cands: []advice.Candidate{cand(advice.SourcePlaybook, "check migrations")}},
		&stubAdapter{name: advice.SourceInsight, err: fmt.Errorf("db locked")},
		&stubAdapter{name: advice.SourceFeed, cands: []advice.Candidate{cand(advice.SourceFeed, "run the linter")}},
	}, time.Second, 0, nil)

	res := c.Collect(context.Background(), editContext())
	require.Len(t, res.Candidates, 2)
	require.Equal(t, []advice.Source{advice.SourceInsight}, res.Failed)
	require.Equal(t, advice.SourcePlaybook, res.Candidates[0].Source)
	require.Equal(t, advice.SourceFeed, res.Candidates[1].Source)
}

func TestCollect_SlowAdapterTimesOut(t *testing.T) {
	c := NewCollector([]Adapter{
		&stubAdapter{name: advice.SourceInsight, delay: time.Second, cands: []advice.Candidate{cand(advice.SourceInsight, "slow")}},
		&stubAdapter{name: advice.SourceFeed, cands: []advice.Candidate{cand(advice.SourceFeed, "fast")}},
	}, 20*time.Millisecond, 0, nil)

	start := time.Now()
	res := c.Collect(context.Background(), editContext())
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "fast", res.Candidates[0].Statement)
	require.Equal(t, []advice.Source{advice.SourceInsight}, res.Failed)
}

func TestCollect_TruncatesAndDedupes(t *testing.T) {
	dup := cand(advice.SourceFeed, "same statement")
	c := NewCollector([]Adapter{
		&stubAdapter{name: advice.SourceFeed, cands: []advice.Candidate{dup, dup, cand(advice.SourceFeed, "third")}},
	}, time.Second, 2, nil)

	res := c.Collect(context.Background(), editContext())
	require.Len(t, res.Candidates, 1)
}

func TestPlaybook_FiltersByTagsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playbook.yaml")
	doc := `rules:
  - statement: Run the auth test suite after editing login code.
    confidence: 0.8
    validations: 4
    category: testing
    tags: [tool:edit]
  - statement: Prefer grep over reading whole files.
    confidence: 0.6
    tags: [tool:read]
  - statement: Keep commits small.
    confidence: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	pb := NewPlaybook([]string{path, filepath.Join(dir, "missing.yaml")})
	got, err := pb.Fetch(context.Background(), editContext())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, advice.SourcePlaybook, got[0].Source)
	require.Equal(t, "testing", got[0].Category)
	require.Equal(t, advice.NewCandidateID(advice.SourcePlaybook, got[0].Statement), got[0].ID)

	// Rewrite with different size so the cache notices
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - statement: Only one rule now.\n    confidence: 0.4\n"), 0600))
	got, err = pb.Fetch(context.Background(), editContext())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestPlaybook_InvalidRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - statement: x y z\n    confidence: 3\n"), 0600))

	_, err := NewPlaybook([]string{path}).Fetch(context.Background(), editContext())
	require.Error(t, err)
}

func TestFeed_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	lines := `{"_nudge_export": true}
{"statement": "Validate token expiry in auth handlers", "base_confidence": 0.7, "context_tags": ["ext:py"]}
not json
{"statement": "", "base_confidence": 0.5}
{"statement": "Use parameterized queries", "base_confidence": 0.6, "source": "playbook", "context_tags": ["ext:sql"]}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	got, err := NewFeed([]string{path}).Fetch(context.Background(), editContext())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, advice.SourceFeed, got[0].Source)
	require.Equal(t, "Validate token expiry in auth handlers", got[0].Statement)
}

func TestInsight_ReadsSQLiteFeed(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	c := cand(advice.SourceInsight, "Auth changes need a security review")
	c.ContextTags = []string{"auth"}
	_, err = db.UpsertCandidate(ctx, database, &c, time.Now().Unix())
	require.NoError(t, err)

	other := cand(advice.SourceInsight, "Frontend bundles must stay small")
	other.ContextTags = []string{"frontend"}
	_, err = db.UpsertCandidate(ctx, database, &other, time.Now().Unix())
	require.NoError(t, err)

	got, err := NewInsight(database, 10).Fetch(ctx, editContext())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c.ID, got[0].ID)
}
