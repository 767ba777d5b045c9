package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
)

// ImportMode controls what happens when an imported candidate already exists.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // any problem aborts the whole import
	ImportModeReplace ImportMode = "replace" // overwrite existing candidates
	ImportModeSkip    ImportMode = "skip"    // keep existing candidates
)

// maxImportLine bounds one JSONL record.
const maxImportLine = 1 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
	// Source is assigned to records that carry none. Default: insight.
	Source advice.Source
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	BatchID  string        `json:"batch_id"`
	Imported int           `json:"imported"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one rejected line.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type parsedCandidate struct {
	line int
	cand advice.Candidate
}

// Import loads candidates from a JSONL file into the insight feed. Record
// ids are ignored and recomputed from source and statement, so re-importing
// the same file is idempotent under replace and skip.
func Import(ctx context.Context, database *sql.DB, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	switch input.Mode {
	case ImportModeError, ImportModeReplace, ImportModeSkip:
	default:
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, skip")
	}
	if input.Source == "" {
		input.Source = advice.SourceInsight
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(input.Path, PathCheckRead)
	if err != nil {
		if _, ok := err.(*errors.NudgeError); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	records, problems := parseCandidates(file, input.Source)
	out := &ImportOutput{BatchID: newBatchID(), Errors: []ImportError{}}

	if input.Mode == ImportModeError {
		if len(problems) > 0 {
			out.Errors = problems
			return out, nil
		}
		return importAtomic(ctx, database, records, out)
	}

	out.Errors = append(out.Errors, problems...)
	out.Skipped = len(problems)
	now := time.Now().Unix()
	for _, rec := range records {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("import")
		}
		if input.Mode == ImportModeSkip {
			exists, err := candidateExists(ctx, database, rec.cand.ID)
			if err != nil {
				return nil, err
			}
			if exists {
				out.Skipped++
				continue
			}
		}
		inserted, err := db.UpsertCandidate(ctx, database, &rec.cand, now)
		if err != nil {
			out.Errors = append(out.Errors, ImportError{
				Line: rec.line, ID: rec.cand.ID, Code: "INSERT_FAILED",
				Message: fmt.Sprintf("failed to store: %v", err),
			})
			out.Skipped++
			continue
		}
		if inserted {
			out.Imported++
		} else {
			out.Updated++
		}
	}
	return out, nil
}

// importAtomic inserts every record in one transaction and rolls back on
// the first id collision.
func importAtomic(ctx context.Context, database *sql.DB, records []parsedCandidate, out *ImportOutput) (*ImportOutput, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().Unix()
	for _, rec := range records {
		exists, err := candidateExists(ctx, tx, rec.cand.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			out.Imported = 0
			out.Errors = append(out.Errors, ImportError{
				Line: rec.line, ID: rec.cand.ID, Code: "ID_COLLISION",
				Message: fmt.Sprintf("candidate %q already exists", rec.cand.ID),
			})
			return out, nil
		}
		if _, err := db.UpsertCandidate(ctx, tx, &rec.cand, now); err != nil {
			return nil, err
		}
		out.Imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// parseCandidates reads JSONL candidate records, skipping the export header.
// Lines that fail to decode or lint are reported and left out.
func parseCandidates(r io.Reader, defaultSource advice.Source) ([]parsedCandidate, []ImportError) {
	var (
		records  []parsedCandidate
		problems []ImportError
		seen     = make(map[string]int)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec advice.CandidateRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			problems = append(problems, ImportError{
				Line: lineNum, Code: "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if rec.NudgeExport {
			continue
		}

		cand := rec.ToCandidate(defaultSource)
		if lint := advice.Lint(&cand); !lint.Valid {
			problems = append(problems, ImportError{
				Line: lineNum, ID: cand.ID, Code: "INVALID_RECORD",
				Message: strings.Join(lint.Problems, "; "),
			})
			continue
		}
		if first, dup := seen[cand.ID]; dup {
			problems = append(problems, ImportError{
				Line: lineNum, ID: cand.ID, Code: "DUPLICATE",
				Message: fmt.Sprintf("same statement as line %d", first),
			})
			continue
		}
		seen[cand.ID] = lineNum
		records = append(records, parsedCandidate{line: lineNum, cand: cand})
	}

	if err := scanner.Err(); err != nil {
		problems = append(problems, ImportError{
			Line: lineNum, Code: "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}
	return records, problems
}

func candidateExists(ctx context.Context, q db.DBTX, id string) (bool, error) {
	_, err := db.GetCandidate(ctx, q, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// newBatchID returns a ULID identifying one import run in logs and output.
func newBatchID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
