package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertCandidate stores a candidate in the insight feed, replacing any row
// with the same id. Returns true when the row was newly inserted.
func UpsertCandidate(ctx context.Context, q DBTX, c *advice.Candidate, now int64) (bool, error) {
	var tagsJSON sql.NullString
	if len(c.ContextTags) > 0 {
		data, err := json.Marshal(c.ContextTags)
		if err != nil {
			return false, errors.NewInternal(err)
		}
		tagsJSON = sql.NullString{String: string(data), Valid: true}
	}

	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates WHERE id = ?`, c.ID).Scan(&exists)
	if err != nil {
		return false, errors.NewInternal(err)
	}

	createdAt := c.CreatedAt.Unix()
	if c.CreatedAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO candidates (
			id, source, statement, base_confidence, validations,
			category, tags_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			statement = excluded.statement,
			base_confidence = excluded.base_confidence,
			validations = excluded.validations,
			category = excluded.category,
			tags_json = excluded.tags_json,
			updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query,
		c.ID, string(c.Source), c.Statement, c.BaseConfidence, c.Validations,
		c.Category, tagsJSON, createdAt, now,
	); err != nil {
		return false, errors.NewInternal(err)
	}

	// Tag index is rebuilt wholesale on every upsert
	if _, err := q.ExecContext(ctx, `DELETE FROM candidate_tags WHERE candidate_id = ?`, c.ID); err != nil {
		return false, errors.NewInternal(err)
	}
	for _, tag := range c.ContextTags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO candidate_tags (candidate_id, tag) VALUES (?, ?)`,
			c.ID, tag,
		); err != nil {
			return false, errors.NewInternal(err)
		}
	}

	return exists == 0, nil
}

// ListCandidatesByTags returns candidates carrying any of tags, plus untagged
// candidates (which apply everywhere), highest confidence first.
// An empty tag list returns every candidate.
func ListCandidatesByTags(ctx context.Context, q DBTX, tags []string, limit int) ([]advice.Candidate, error) {
	if limit <= 0 {
		limit = 200
	}

	var (
		query string
		args  []any
	)
	if len(tags) == 0 {
		query = `
			SELECT id, source, statement, base_confidence, validations, category, tags_json, created_at
			FROM candidates
			ORDER BY base_confidence DESC, id ASC
			LIMIT ?
		`
		args = append(args, limit)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		query = `
			SELECT id, source, statement, base_confidence, validations, category, tags_json, created_at
			FROM candidates c
			WHERE EXISTS (
				SELECT 1 FROM candidate_tags t
				WHERE t.candidate_id = c.id AND t.tag IN (` + placeholders + `)
			)
			OR NOT EXISTS (SELECT 1 FROM candidate_tags t WHERE t.candidate_id = c.id)
			ORDER BY base_confidence DESC, id ASC
			LIMIT ?
		`
		for _, t := range tags {
			args = append(args, t)
		}
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []advice.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// GetCandidate retrieves a candidate by id.
func GetCandidate(ctx context.Context, q DBTX, id string) (*advice.Candidate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source, statement, base_confidence, validations, category, tags_json, created_at
		FROM candidates WHERE id = ?
	`, id)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		return nil, errors.NewNotFound(id)
	}
	return scanCandidate(rows)
}

// CountCandidates returns the number of candidates in the feed.
func CountCandidates(ctx context.Context, q DBTX) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// DeleteCandidates removes candidates, optionally only those from source.
// Returns the number of rows removed.
func DeleteCandidates(ctx context.Context, q DBTX, source string) (int64, error) {
	query := `DELETE FROM candidates`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	// candidate_tags rows go with them; foreign keys are not enforced by default
	if _, err := q.ExecContext(ctx, `
		DELETE FROM candidate_tags
		WHERE candidate_id IN (SELECT id FROM candidates`+whereSource(source)+`)
	`, args...); err != nil {
		return 0, errors.NewInternal(err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

func whereSource(source string) string {
	if source == "" {
		return ""
	}
	return " WHERE source = ?"
}

func scanCandidate(rows *sql.Rows) (*advice.Candidate, error) {
	var (
		c         advice.Candidate
		source    string
		tagsJSON  sql.NullString
		createdAt int64
	)
	if err := rows.Scan(&c.ID, &source, &c.Statement, &c.BaseConfidence, &c.Validations,
		&c.Category, &tagsJSON, &createdAt); err != nil {
		return nil, errors.NewInternal(err)
	}
	c.Source = advice.Source(source)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.ContextTags); err != nil {
			return nil, errors.NewInternal(err)
		}
	}
	return &c, nil
}
