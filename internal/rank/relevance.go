package rank

import (
	"strings"

	"github.com/hpungsan/nudge/internal/advice"
)

// Query is the per-call view of a tool context, computed once and shared by
// every candidate scored in that call.
type Query struct {
	Context      *advice.ToolContext
	Tags         map[string]bool
	IntentTokens map[string]bool
	Class        advice.ToolClass
	Phase        advice.Phase
}

// NewQuery derives the scoring view of a context.
func NewQuery(tc *advice.ToolContext) *Query {
	q := &Query{
		Context:      tc,
		Tags:         make(map[string]bool),
		IntentTokens: make(map[string]bool),
		Class:        advice.ClassifyTool(tc.Tool),
		Phase:        tc.ResolvedPhase(),
	}
	for _, t := range tc.DerivedTags() {
		q.Tags[t] = true
	}
	for _, t := range advice.Tokens(tc.Intent) {
		q.IntentTokens[t] = true
	}
	return q
}

// RelevanceScorer scores how well a candidate fits a context, in [0,1].
type RelevanceScorer interface {
	Relevance(c *advice.Candidate, q *Query) float64
}

// LexicalScorer blends three overlap signals:
// intent (statement tokens vs intent tokens), tag (candidate context tags vs
// derived context tags) and category (category named by the context).
type LexicalScorer struct {
	IntentWeight   float64
	TagWeight      float64
	CategoryWeight float64
}

// neutral is the score of a signal the candidate carries no information for.
const neutral = 0.5

// NewLexicalScorer normalizes the weights to sum to 1. All-zero weights
// fall back to an even split.
func NewLexicalScorer(intent, tag, category float64) *LexicalScorer {
	intent, tag, category = nonNeg(intent), nonNeg(tag), nonNeg(category)
	sum := intent + tag + category
	if sum == 0 {
		return &LexicalScorer{IntentWeight: 1.0 / 3, TagWeight: 1.0 / 3, CategoryWeight: 1.0 / 3}
	}
	return &LexicalScorer{IntentWeight: intent / sum, TagWeight: tag / sum, CategoryWeight: category / sum}
}

// Relevance implements RelevanceScorer.
func (s *LexicalScorer) Relevance(c *advice.Candidate, q *Query) float64 {
	return advice.Clamp01(
		s.IntentWeight*intentOverlap(c, q) +
			s.TagWeight*tagOverlap(c, q) +
			s.CategoryWeight*categoryAffinity(c, q),
	)
}

// intentOverlap is the share of intent tokens the statement mentions.
func intentOverlap(c *advice.Candidate, q *Query) float64 {
	if len(q.IntentTokens) == 0 {
		return neutral
	}
	hits := 0
	seen := make(map[string]bool)
	for _, t := range advice.Tokens(c.Statement) {
		if q.IntentTokens[t] && !seen[t] {
			seen[t] = true
			hits++
		}
	}
	return float64(hits) / float64(len(q.IntentTokens))
}

// tagOverlap is the share of the candidate's tags present in the context.
// Untagged candidates apply everywhere but are not specific to anything.
func tagOverlap(c *advice.Candidate, q *Query) float64 {
	if len(c.ContextTags) == 0 {
		return neutral
	}
	hits := 0
	for _, t := range c.ContextTags {
		if q.Tags[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(c.ContextTags))
}

// categoryAffinity is 1 when the context names the candidate's category,
// neutral when the candidate has none.
func categoryAffinity(c *advice.Candidate, q *Query) float64 {
	if c.Category == "" {
		return neutral
	}
	for _, part := range strings.FieldsFunc(c.Category, func(r rune) bool { return r == '-' || r == '_' || r == ' ' }) {
		if q.Tags[part] || q.IntentTokens[part] {
			return 1
		}
	}
	return 0
}

func nonNeg(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
