// Package emit turns accepted items into advisory text and records what was
// emitted and how it was received.
package emit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
)

// GroundingFloor is the token similarity a synthesized line needs against
// some accepted statement to count as backed by it.
const GroundingFloor = 0.5

// Synthesizer paraphrases accepted items into advisory text. Its context
// ends when the caller's decision budget does.
type Synthesizer interface {
	Synthesize(ctx context.Context, items []advice.RankedItem) (string, error)
}

// Composer assembles advisory text.
type Composer struct {
	synth  Synthesizer
	logger *zap.Logger
}

// NewComposer creates a composer. A nil synthesizer means template only.
func NewComposer(synth Synthesizer, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{synth: synth, logger: logger}
}

// Compose returns the advisory text for items and whether the synthesizer
// produced it. Synthesized text is discarded in favor of the template when
// it fails, runs out of time, or contains a line no accepted statement backs.
func (c *Composer) Compose(ctx context.Context, items []advice.RankedItem) (string, bool) {
	tmpl := Template(items)
	if c.synth == nil || len(items) == 0 {
		return tmpl, false
	}

	text, err := c.synth.Synthesize(ctx, items)
	switch {
	case err != nil:
		c.logger.Debug("synthesizer failed, using template", zap.Error(err))
		return tmpl, false
	case ctx.Err() != nil:
		return tmpl, false
	case !Grounded(text, items):
		c.logger.Debug("synthesized text not grounded, using template")
		return tmpl, false
	}
	return strings.TrimSpace(text), true
}

// Template renders one "[AUTHORITY] statement" line per item.
func Template(items []advice.RankedItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s", it.Authority, oneLine(it.Statement)))
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var linePrefix = regexp.MustCompile(`^\s*(?:[-*•]\s*)?(?:\[[A-Za-z]+\]\s*)?`)

// Grounded reports whether every non-blank line of text is backed by one of
// the items' statements.
func Grounded(text string, items []advice.RankedItem) bool {
	seen := false
	for _, line := range strings.Split(text, "\n") {
		line = linePrefix.ReplaceAllString(line, "")
		if strings.TrimSpace(line) == "" {
			continue
		}
		seen = true
		if !backed(line, items) {
			return false
		}
	}
	return seen
}

func backed(line string, items []advice.RankedItem) bool {
	if len(advice.Tokens(line)) == 0 {
		return false
	}
	for _, it := range items {
		if advice.Similarity(line, it.Statement) >= GroundingFloor {
			return true
		}
	}
	return false
}
