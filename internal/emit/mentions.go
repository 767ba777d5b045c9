package emit

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/session"
)

// Statements returns the statements of items, in order.
func Statements(items []advice.RankedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Statement
	}
	return out
}

// MentionedTools returns the known tool names that appear in statements.
func MentionedTools(statements []string) []string {
	seen := make(map[string]bool)
	for _, s := range statements {
		for _, tok := range advice.Tokens(s) {
			if advice.ClassifyTool(tok) != advice.ClassOther {
				seen[tok] = true
			}
		}
	}
	return sortedKeys(seen)
}

// MentionedFiles returns the path-like words in statements.
func MentionedFiles(statements []string) []string {
	seen := make(map[string]bool)
	for _, s := range statements {
		for _, tok := range advice.Tokens(s) {
			if looksLikePath(tok) {
				seen[tok] = true
			}
		}
	}
	return sortedKeys(seen)
}

func looksLikePath(tok string) bool {
	if strings.Contains(tok, "://") {
		return false
	}
	if strings.Contains(tok, "/") {
		return true
	}
	ext := filepath.Ext(tok)
	stem := strings.TrimSuffix(tok, ext)
	return len(ext) >= 2 && len(ext) <= 6 && len(stem) >= 2 && !strings.Contains(stem, ".")
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ImplicitResult judges a pending advisory against the next call in its
// session: followed when the call uses a tool or touches a file the
// advisory named, ignored otherwise.
func ImplicitResult(p *session.PendingAdvisory, tc *advice.ToolContext) advice.Result {
	tool := tc.ToolName()
	for _, t := range p.MentionedTools {
		if t == tool {
			return advice.ResultFollowed
		}
	}
	for _, hint := range tc.FileHints {
		h := strings.ToLower(filepath.ToSlash(filepath.Clean(hint)))
		for _, f := range p.MentionedFiles {
			if h == f || strings.HasSuffix(h, "/"+f) || strings.HasSuffix(f, "/"+h) {
				return advice.ResultFollowed
			}
		}
	}
	return advice.ResultIgnored
}
