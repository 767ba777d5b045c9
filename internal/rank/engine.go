// Package rank merges candidates from every source into one ordered,
// deduplicated shortlist for a tool context.
package rank

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/errors"
)

// Weights are the normalized additive ranking weights.
type Weights struct {
	Relevance float64
	Quality   float64
	Trust     float64
}

// normalize scales weights to sum to 1. Negative weights count as zero;
// all-zero weights fall back to relevance only.
func (w Weights) normalize() Weights {
	r, q, t := nonNeg(w.Relevance), nonNeg(w.Quality), nonNeg(w.Trust)
	sum := r + q + t
	if sum == 0 {
		return Weights{Relevance: 1}
	}
	return Weights{Relevance: r / sum, Quality: q / sum, Trust: t / sum}
}

// Ranking is the result of one rank call.
type Ranking struct {
	// Items are ordered by rank_score desc, then source priority, then id.
	Items []advice.RankedItem
	// Duplicates were dropped for being near-identical to a higher item.
	Duplicates []advice.RankedItem
	// Partial is set when the ranking budget ran out before every candidate
	// was scored.
	Partial bool
}

// Engine scores candidates. It is safe for concurrent use.
type Engine struct {
	weights         Weights
	thresholds      advice.Thresholds
	dedupeThreshold float64
	budget          time.Duration
	priority        map[advice.Source]int
	scorer          RelevanceScorer
	trust           *TrustTable
	logger          *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer replaces the default lexical relevance scorer.
func WithScorer(s RelevanceScorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg *config.Config, trust *TrustTable, opts ...Option) *Engine {
	e := &Engine{
		weights: Weights{
			Relevance: cfg.Weights.Relevance,
			Quality:   cfg.Weights.Quality,
			Trust:     cfg.Weights.Trust,
		}.normalize(),
		thresholds: advice.Thresholds{
			Whisper: cfg.Thresholds.Whisper,
			Note:    cfg.Thresholds.Note,
			Warning: cfg.Thresholds.Warning,
			Block:   cfg.Thresholds.Block,
		},
		dedupeThreshold: cfg.DedupeThreshold,
		budget:          cfg.RankingBudget(),
		priority:        SourcePriority(cfg.SourcePriority),
		scorer:          NewLexicalScorer(cfg.IntentWeight, cfg.TagWeight, cfg.CategoryWeight),
		trust:           trust,
		logger:          zap.NewNop(),
	}
	if e.trust == nil {
		e.trust = NewTrustTable(cfg.Trust, nil)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Weights returns the normalized weights in use.
func (e *Engine) Weights() Weights { return e.weights }

// Thresholds returns the authority thresholds in use.
func (e *Engine) Thresholds() advice.Thresholds { return e.thresholds }

// SourcePriority turns an ordered source list into a rank map (0 = highest).
// Unlisted known sources follow in their default order.
func SourcePriority(order []string) map[advice.Source]int {
	prio := make(map[advice.Source]int)
	for _, s := range order {
		src, err := advice.ParseSource(s)
		if err != nil {
			continue
		}
		if _, ok := prio[src]; !ok {
			prio[src] = len(prio)
		}
	}
	for _, src := range advice.KnownSources {
		if _, ok := prio[src]; !ok {
			prio[src] = len(prio)
		}
	}
	return prio
}

// checkEvery is how many candidates are scored between budget checks.
const checkEvery = 16

// Rank scores, orders and deduplicates candidates for a context. It stops
// scoring when ctx is done or the ranking budget runs out and returns what
// it has, flagged Partial.
func (e *Engine) Rank(ctx context.Context, cands []advice.Candidate, tc *advice.ToolContext) Ranking {
	var res Ranking
	if len(cands) == 0 {
		return res
	}

	deadline := time.Time{}
	if e.budget > 0 {
		deadline = time.Now().Add(e.budget)
	}

	q := NewQuery(tc)
	items := make([]advice.RankedItem, 0, len(cands))
	for i := range cands {
		if i > 0 && i%checkEvery == 0 {
			if ctx.Err() != nil || (!deadline.IsZero() && time.Now().After(deadline)) {
				res.Partial = true
				e.logger.Warn("ranking budget exceeded",
					zap.String("session_id", tc.SessionID),
					zap.Error(errors.NewRankingTimeout(i, len(cands))),
				)
				break
			}
		}
		items = append(items, e.Score(&cands[i], q))
	}

	e.sortItems(items)
	res.Items, res.Duplicates = e.dedupe(items)
	return res
}

// Score computes the ranked form of one candidate.
func (e *Engine) Score(c *advice.Candidate, q *Query) advice.RankedItem {
	rel := advice.Clamp01(e.scorer.Relevance(c, q))
	qual := Quality(c)
	tr := advice.Clamp01(e.trust.Get(c.Source))

	score := advice.Clamp01(e.weights.Relevance*rel + e.weights.Quality*qual + e.weights.Trust*tr)
	// Round away float noise so identical inputs land in the same tier
	score = math.Round(score*1e9) / 1e9

	return advice.RankedItem{
		Candidate: *c,
		RankScore: score,
		Authority: e.thresholds.Resolve(score),
		Relevance: rel,
		Quality:   qual,
		Trust:     tr,
	}
}

// categoryTiers weights quality by how consequential a category usually is.
var categoryTiers = map[string]float64{
	"security":    1,
	"safety":      1,
	"correctness": 0.9,
	"testing":     0.8,
	"performance": 0.7,
	"workflow":    0.6,
	"style":       0.4,
}

// defaultTier applies to unknown and empty categories.
const defaultTier = 0.5

// Quality blends base confidence, validation count and category tier.
// Validations saturate: 3 validations count for half.
func Quality(c *advice.Candidate) float64 {
	v := float64(c.Validations)
	if v < 0 {
		v = 0
	}
	validation := v / (v + 3)
	tier, ok := categoryTiers[c.Category]
	if !ok {
		tier = defaultTier
	}
	return advice.Clamp01(0.5*advice.Clamp01(c.BaseConfidence) + 0.3*validation + 0.2*tier)
}

func (e *Engine) sortItems(items []advice.RankedItem) {
	sort.SliceStable(items, func(i, j int) bool { return e.Less(items[i], items[j]) })
}

func (e *Engine) prio(src advice.Source) int {
	if p, ok := e.priority[src]; ok {
		return p
	}
	return len(e.priority)
}

// Less reports whether a ranks ahead of b (score, then source priority, then id).
func (e *Engine) Less(a, b advice.RankedItem) bool {
	if a.RankScore != b.RankScore {
		return a.RankScore > b.RankScore
	}
	if pa, pb := e.prio(a.Source), e.prio(b.Source); pa != pb {
		return pa < pb
	}
	return a.ID < b.ID
}

// dedupe drops items whose statement is near-identical to a kept,
// higher-ranked statement. Items must already be sorted.
func (e *Engine) dedupe(items []advice.RankedItem) (kept, dropped []advice.RankedItem) {
	if e.dedupeThreshold <= 0 || e.dedupeThreshold > 1 {
		return items, nil
	}
	var keptTokens [][]string
	for _, it := range items {
		toks := advice.Tokens(it.Statement)
		dup := false
		for _, kt := range keptTokens {
			if advice.Jaccard(toks, kt) >= e.dedupeThreshold {
				dup = true
				break
			}
		}
		if dup {
			dropped = append(dropped, it)
			continue
		}
		kept = append(kept, it)
		keptTokens = append(keptTokens, toks)
	}
	return kept, dropped
}
