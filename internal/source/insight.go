package source

import (
	"context"
	"database/sql"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/db"
)

// Insight reads the sqlite candidate feed written by the learning pipeline
// (and by candidate import).
type Insight struct {
	db    *sql.DB
	limit int
}

// NewInsight creates the sqlite feed adapter.
func NewInsight(database *sql.DB, limit int) *Insight {
	return &Insight{db: database, limit: limit}
}

// Name implements Adapter.
func (s *Insight) Name() advice.Source { return advice.SourceInsight }

// Fetch returns candidates tagged for the context, plus untagged ones.
func (s *Insight) Fetch(ctx context.Context, tc *advice.ToolContext) ([]advice.Candidate, error) {
	return db.ListCandidatesByTags(ctx, s.db, tc.DerivedTags(), s.limit)
}
