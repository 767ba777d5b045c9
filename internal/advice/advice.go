// Package advice defines the values that flow through the advisory pipeline:
// candidates from upstream sources, the tool-call context they are ranked
// against, and the ranked items the gate decides on.
package advice

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies the upstream store a candidate came from.
type Source string

const (
	SourceInsight  Source = "insight"  // sqlite candidate feed written by the learning pipeline
	SourcePlaybook Source = "playbook" // curated YAML rules
	SourceFeed     Source = "feed"     // JSONL feed files
)

// KnownSources lists every valid source identifier.
var KnownSources = []Source{SourcePlaybook, SourceInsight, SourceFeed}

// ParseSource validates a source identifier.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownSources {
		if src == k {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Candidate is an unranked advice statement retrieved from a source.
// Candidates are immutable once retrieved.
type Candidate struct {
	ID             string    `json:"id"`
	Source         Source    `json:"source"`
	Statement      string    `json:"statement"`
	BaseConfidence float64   `json:"base_confidence"`
	Validations    int       `json:"validations"`
	Category       string    `json:"category"`
	CreatedAt      time.Time `json:"created_at"`
	ContextTags    []string  `json:"context_tags,omitempty"`
}

// NewCandidateID derives the stable id of a statement from a source.
// Formatting-only differences in the statement map to the same id.
func NewCandidateID(source Source, statement string) string {
	sum := sha256.Sum256([]byte(string(source) + "\x00" + NormalizeStatement(statement)))
	return hex.EncodeToString(sum[:16])
}

// Authority is the severity tier of a ranked item, ordered SILENT < BLOCK.
type Authority int

const (
	AuthoritySilent Authority = iota
	AuthorityWhisper
	AuthorityNote
	AuthorityWarning
	AuthorityBlock
)

var authorityNames = [...]string{"SILENT", "WHISPER", "NOTE", "WARNING", "BLOCK"}

// String returns the tier name.
func (a Authority) String() string {
	if a < AuthoritySilent || a > AuthorityBlock {
		return fmt.Sprintf("Authority(%d)", int(a))
	}
	return authorityNames[a]
}

// ParseAuthority parses a tier name (case-insensitive).
func ParseAuthority(s string) (Authority, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range authorityNames {
		if name == up {
			return Authority(i), nil
		}
	}
	return AuthoritySilent, fmt.Errorf("unknown authority %q", s)
}

// MarshalJSON encodes the tier by name.
func (a Authority) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a tier name.
func (a *Authority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAuthority(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Thresholds map a rank score to an authority tier. Values are ascending
// lower bounds; anything under Whisper is SILENT.
type Thresholds struct {
	Whisper float64
	Note    float64
	Warning float64
	Block   float64
}

// Resolve returns the tier for score.
func (t Thresholds) Resolve(score float64) Authority {
	switch {
	case score >= t.Block:
		return AuthorityBlock
	case score >= t.Warning:
		return AuthorityWarning
	case score >= t.Note:
		return AuthorityNote
	case score >= t.Whisper:
		return AuthorityWhisper
	default:
		return AuthoritySilent
	}
}

// RankedItem is a candidate scored for one tool context. Never persisted.
type RankedItem struct {
	Candidate
	RankScore float64   `json:"rank_score"`
	Authority Authority `json:"authority"`

	// Score components, kept for explain output.
	Relevance float64 `json:"relevance"`
	Quality   float64 `json:"quality"`
	Trust     float64 `json:"trust"`
}
