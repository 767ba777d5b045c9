package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/session"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var thresholds = advice.Thresholds{Whisper: 0.3, Note: 0.5, Warning: 0.7, Block: 0.9}

func item(statement string, score float64, tags ...string) advice.RankedItem {
	return advice.RankedItem{
		Candidate: advice.Candidate{
			ID:          advice.NewCandidateID(advice.SourceInsight, statement),
			Source:      advice.SourceInsight,
			Statement:   statement,
			ContextTags: tags,
		},
		RankScore: score,
		Authority: thresholds.Resolve(score),
	}
}

func policy() Policy {
	return PolicyFromConfig(config.DefaultConfig())
}

var editCtx = &advice.ToolContext{SessionID: "s1", Tool: "Edit", FileHints: []string{"src/auth.py"}}

func TestEvaluate_SingleNoteEmitted(t *testing.T) {
	st := session.NewState("s1")
	d := Evaluate([]advice.RankedItem{item("Validate token expiry", 0.55)}, editCtx, st, policy(), t0)

	require.Len(t, d.Accepted, 1)
	require.Equal(t, advice.AuthorityNote, d.Authority)
	require.Equal(t, ReasonEmitted, d.Reason)
}

func TestEvaluate_ShownTTLLifecycle(t *testing.T) {
	p := policy()
	st := session.NewState("s1")
	items := []advice.RankedItem{item("Validate token expiry", 0.55)}

	d := Evaluate(items, editCtx, st, p, t0)
	require.Len(t, d.Accepted, 1)
	Apply(st, editCtx.ToolName(), d.Accepted, p, t0)

	// t=300: cooldown (15s) is over, the id is still shown
	d = Evaluate(items, editCtx, st, p, t0.Add(300*time.Second))
	require.Empty(t, d.Accepted)
	require.Equal(t, ReasonShownTTL, d.Reason)
	require.True(t, d.Reason.Suppressed())

	// t=601: eligible again, not blocked by its own text signature
	d = Evaluate(items, editCtx, st, p, t0.Add(601*time.Second))
	require.Len(t, d.Accepted, 1)
}

func TestEvaluate_CooldownCheckedBeforeShown(t *testing.T) {
	p := policy()
	st := session.NewState("s1")
	items := []advice.RankedItem{item("Validate token expiry", 0.55)}

	Apply(st, "edit", items, p, t0)
	d := Evaluate(items, editCtx, st, p, t0.Add(5*time.Second))
	require.Equal(t, ReasonToolCooldown, d.Reason)

	// Cooldown is per tool: a read in the same session is not cooling
	readCtx := &advice.ToolContext{SessionID: "s1", Tool: "Read"}
	d = Evaluate([]advice.RankedItem{item("Another tip entirely", 0.6)}, readCtx, st, p, t0.Add(5*time.Second))
	require.Len(t, d.Accepted, 1)
}

func TestEvaluate_DuplicateText(t *testing.T) {
	p := policy()
	p.ToolCooldownSeconds = 0
	st := session.NewState("s1")
	st.MarkShown("other-id", "Validate **token** expiry", "", 600, t0)

	// Same text from another source has a different id
	dup := item("validate token expiry", 0.8)
	dup.Source = advice.SourceFeed
	dup.ID = advice.NewCandidateID(advice.SourceFeed, dup.Statement)

	d := Evaluate([]advice.RankedItem{dup}, editCtx, st, p, t0.Add(time.Second))
	require.Equal(t, ReasonDuplicateText, d.Reason)
}

func TestEvaluate_LowAuthorityAndWhispers(t *testing.T) {
	st := session.NewState("s1")
	items := []advice.RankedItem{item("whisper level tip", 0.35), item("silent tip", 0.1)}

	d := Evaluate(items, editCtx, st, policy(), t0)
	require.Empty(t, d.Accepted)
	require.Equal(t, ReasonLowAuthority, d.Verdicts[0].Reason)
	require.Equal(t, ReasonLowAuthority, d.Verdicts[1].Reason)

	p := policy()
	p.EnableWhispers = true
	d = Evaluate(items, editCtx, st, p, t0)
	require.Len(t, d.Accepted, 1)
	require.Equal(t, advice.AuthorityWhisper, d.Authority)
}

func TestEvaluate_BudgetCap(t *testing.T) {
	st := session.NewState("s1")
	items := []advice.RankedItem{
		item("first tip about auth", 0.95),
		item("second tip about tokens", 0.8),
		item("third tip about sessions", 0.6),
	}

	d := Evaluate(items, editCtx, st, policy(), t0)
	require.Len(t, d.Accepted, 2)
	require.Equal(t, advice.AuthorityBlock, d.Authority)
	require.Equal(t, ReasonBudgetExhausted, d.Verdicts[2].Reason)
	require.False(t, d.Verdicts[2].Reason.Suppressed())
}

func TestEvaluate_ContextMismatch(t *testing.T) {
	st := session.NewState("s1")
	readCtx := &advice.ToolContext{SessionID: "s1", Tool: "Read"}

	editOnly := item("Back up the file before rewriting", 0.8, "tool:edit")
	caution := item("Destructive edits need review", 0.8)
	caution.Category = "caution"
	execPhase := item("Run the migration dry run", 0.8, "phase:execution")
	general := item("Skim the package docs", 0.6)

	d := Evaluate([]advice.RankedItem{editOnly, caution, execPhase, general}, readCtx, st, policy(), t0)
	require.Equal(t, ReasonContextMismatch, d.Verdicts[0].Reason)
	require.Equal(t, ReasonContextMismatch, d.Verdicts[1].Reason)
	require.Equal(t, ReasonContextMismatch, d.Verdicts[2].Reason)
	require.Len(t, d.Accepted, 1)
	require.Equal(t, general.ID, d.Accepted[0].ID)

	// The same edit-scoped item fits an edit call
	d = Evaluate([]advice.RankedItem{editOnly}, editCtx, st, policy(), t0)
	require.Len(t, d.Accepted, 1)
}

func TestEvaluate_Empty(t *testing.T) {
	d := Evaluate(nil, editCtx, session.NewState("s1"), policy(), t0)
	require.Equal(t, ReasonNoCandidates, d.Reason)
	require.Equal(t, advice.AuthoritySilent, d.Authority)
}

func TestEvaluate_NeverExceedsCap(t *testing.T) {
	for maxEmit := 0; maxEmit <= 4; maxEmit++ {
		p := policy()
		p.MaxEmitPerCall = maxEmit
		var items []advice.RankedItem
		for _, s := range []string{"alpha advice", "beta advice", "gamma advice", "delta advice", "epsilon advice", "zeta advice"} {
			items = append(items, item(s, 0.75))
		}
		d := Evaluate(items, editCtx, session.NewState("s"), p, t0)
		require.LessOrEqual(t, len(d.Accepted), maxEmit)
	}
}
