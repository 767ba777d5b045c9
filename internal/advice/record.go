package advice

import (
	"strings"
	"time"
)

// CandidateRecord is one line of a JSONL candidate feed or import file.
type CandidateRecord struct {
	// Header detection field - true only for header line
	NudgeExport bool `json:"_nudge_export,omitempty"`

	ID             string   `json:"id,omitempty"` // IGNORED on import, recomputed
	Source         string   `json:"source"`
	Statement      string   `json:"statement"`
	BaseConfidence float64  `json:"base_confidence"`
	Validations    int      `json:"validations"`
	Category       string   `json:"category"`
	CreatedAt      int64    `json:"created_at"`
	ContextTags    []string `json:"context_tags,omitempty"`
}

// ToCandidate converts a record into a Candidate, recomputing the id and
// defaulting the source when the record leaves it empty.
func (r *CandidateRecord) ToCandidate(defaultSource Source) Candidate {
	src := Source(strings.ToLower(strings.TrimSpace(r.Source)))
	if src == "" {
		src = defaultSource
	}
	created := time.Unix(r.CreatedAt, 0).UTC()
	if r.CreatedAt == 0 {
		created = time.Time{}
	}
	tags := make([]string, 0, len(r.ContextTags))
	for _, t := range r.ContextTags {
		if n := Normalize(t); n != "" {
			tags = append(tags, n)
		}
	}
	return Candidate{
		ID:             NewCandidateID(src, r.Statement),
		Source:         src,
		Statement:      strings.TrimSpace(r.Statement),
		BaseConfidence: r.BaseConfidence,
		Validations:    r.Validations,
		Category:       Normalize(r.Category),
		CreatedAt:      created,
		ContextTags:    tags,
	}
}
