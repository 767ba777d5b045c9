// Package gate decides which ranked items are emitted for a tool call.
// Evaluation is pure: it reads suppression state and returns a decision;
// Apply writes the decision back.
package gate

import (
	"strings"
	"time"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/session"
)

// Reason is the code attached to each per-item verdict.
type Reason string

const (
	ReasonEmitted         Reason = "emitted"
	ReasonContextMismatch Reason = "context_mismatch"
	ReasonToolCooldown    Reason = "tool_cooldown"
	ReasonShownTTL        Reason = "shown_ttl"
	ReasonDuplicateText   Reason = "duplicate_text"
	ReasonLowAuthority    Reason = "low_authority"
	// ReasonBudgetExhausted is not a suppression: the item was eligible but
	// the per-call emission cap was already reached.
	ReasonBudgetExhausted Reason = "budget_exhausted"
	// ReasonNoCandidates is the decision reason when nothing was ranked.
	ReasonNoCandidates Reason = "no_candidates"
)

// Suppressed reports whether the reason is one of the suppression checks.
func (r Reason) Suppressed() bool {
	switch r {
	case ReasonContextMismatch, ReasonToolCooldown, ReasonShownTTL, ReasonDuplicateText, ReasonLowAuthority:
		return true
	}
	return false
}

// Policy is the per-call emission budget and suppression lifetimes.
type Policy struct {
	MaxEmitPerCall      int
	EnableWhispers      bool
	ShownTTLSeconds     int
	ToolCooldownSeconds int
}

// PolicyFromConfig extracts the gate policy from configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxEmitPerCall:      cfg.MaxEmitPerCall,
		EnableWhispers:      cfg.EnableWhispers,
		ShownTTLSeconds:     cfg.ShownTTLSeconds,
		ToolCooldownSeconds: cfg.ToolCooldownSeconds,
	}
}

// View is the read side of session suppression state.
type View interface {
	ToolCooling(tool string, now time.Time) bool
	IsShown(id string, now time.Time) bool
	SignatureSeen(sig string, now time.Time) bool
}

// Verdict is the gate's answer for one item.
type Verdict struct {
	Item     advice.RankedItem `json:"item"`
	Accepted bool              `json:"accepted"`
	Reason   Reason            `json:"reason"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Accepted items in emission order.
	Accepted []advice.RankedItem
	// Verdicts covers every evaluated item, in rank order.
	Verdicts []Verdict
	// Authority is the highest tier among accepted items (SILENT if none).
	Authority advice.Authority
	// Reason summarizes the call: emitted, or the verdict of the best item.
	Reason Reason
}

// Evaluate runs the ordered suppression checks over items (already sorted
// by rank) and accepts eligible items up to the emission cap. First
// matching check wins:
//
//  1. context_mismatch
//  2. tool_cooldown
//  3. shown_ttl
//  4. duplicate_text
//  5. low_authority
func Evaluate(items []advice.RankedItem, tc *advice.ToolContext, view View, p Policy, now time.Time) Decision {
	d := Decision{Authority: advice.AuthoritySilent, Reason: ReasonNoCandidates}
	if len(items) == 0 {
		return d
	}

	tool := tc.ToolName()
	class := advice.ClassifyTool(tc.Tool)
	phase := tc.ResolvedPhase()
	cooling := view.ToolCooling(tool, now)

	for _, it := range items {
		v := Verdict{Item: it}
		switch {
		case ContextMismatch(&it.Candidate, tool, class, phase):
			v.Reason = ReasonContextMismatch
		case cooling:
			v.Reason = ReasonToolCooldown
		case view.IsShown(it.ID, now):
			v.Reason = ReasonShownTTL
		case view.SignatureSeen(advice.Signature(it.Statement), now):
			v.Reason = ReasonDuplicateText
		case it.Authority == advice.AuthoritySilent,
			it.Authority == advice.AuthorityWhisper && !p.EnableWhispers:
			v.Reason = ReasonLowAuthority
		case len(d.Accepted) >= p.MaxEmitPerCall:
			v.Reason = ReasonBudgetExhausted
		default:
			v.Accepted = true
			v.Reason = ReasonEmitted
			d.Accepted = append(d.Accepted, it)
			if it.Authority > d.Authority {
				d.Authority = it.Authority
			}
		}
		d.Verdicts = append(d.Verdicts, v)
	}

	if len(d.Accepted) > 0 {
		d.Reason = ReasonEmitted
	} else {
		d.Reason = d.Verdicts[0].Reason
	}
	return d
}

// editCategories are categories that only make sense while changing files.
var editCategories = map[string]bool{
	"caution":     true,
	"destructive": true,
	"edit":        true,
}

// ContextMismatch reports whether a candidate is scoped to a different tool,
// tool class or phase than the call, or is an edit caution surfacing during
// a passive read.
func ContextMismatch(c *advice.Candidate, tool string, class advice.ToolClass, phase advice.Phase) bool {
	if editCategories[c.Category] && class == advice.ClassPassive {
		return true
	}
	var tools, classes, phases []string
	for _, t := range c.ContextTags {
		switch {
		case strings.HasPrefix(t, "tool:"):
			tools = append(tools, strings.TrimPrefix(t, "tool:"))
		case strings.HasPrefix(t, "class:"):
			classes = append(classes, strings.TrimPrefix(t, "class:"))
		case strings.HasPrefix(t, "phase:"):
			phases = append(phases, strings.TrimPrefix(t, "phase:"))
		}
	}
	return excludes(tools, tool) || excludes(classes, string(class)) || excludes(phases, string(phase))
}

// excludes reports whether a non-empty scope list omits v.
func excludes(scope []string, v string) bool {
	if len(scope) == 0 {
		return false
	}
	for _, s := range scope {
		if s == v {
			return false
		}
	}
	return true
}

// Apply records accepted items in the session: a SuppressionRecord (and
// text signature) per item and one cooldown for the tool. The caller holds
// the session lock.
func Apply(st *session.State, tool string, accepted []advice.RankedItem, p Policy, now time.Time) {
	if len(accepted) == 0 {
		return
	}
	for _, it := range accepted {
		st.MarkShown(it.ID, it.Statement, it.Category, p.ShownTTLSeconds, now)
	}
	st.MarkToolEmitted(tool, p.ToolCooldownSeconds, now)
}
