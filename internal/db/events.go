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

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.NudgeError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// InsertEvent appends an emission event. Events are never updated.
func InsertEvent(ctx context.Context, q DBTX, e *advice.EmissionEvent) error {
	ids, err := json.Marshal(nonNil(e.CandidateIDs))
	if err != nil {
		return errors.NewInternal(err)
	}
	sources, err := json.Marshal(e.Sources)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO emission_events (
			trace_id, session_id, tool, decision, authority, reason_code,
			candidate_ids_json, sources_json, packet_fingerprint, text, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		e.TraceID, e.SessionID, e.Tool, string(e.Decision), e.Authority.String(), e.ReasonCode,
		string(ids), string(sources), toNullString(e.PacketFingerprint), toNullString(e.Text),
		e.Timestamp.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetEvent retrieves an emission event by trace id.
func GetEvent(ctx context.Context, q DBTX, traceID string) (*advice.EmissionEvent, error) {
	rows, err := q.QueryContext(ctx, eventSelect+` WHERE trace_id = ?`, traceID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		return nil, errors.NewNotFound(traceID)
	}
	return ScanEventFromRows(rows)
}

// EventFilter narrows an event stream.
type EventFilter struct {
	SessionID string    // optional
	Since     time.Time // optional, inclusive
	Limit     int       // 0 = unlimited
}

// StreamEvents returns a cursor over emission events in append order.
// Caller must close the rows.
func StreamEvents(ctx context.Context, q DBTX, f EventFilter) (*sql.Rows, error) {
	query := eventSelect + ` WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rows, nil
}

// ListEvents collects a filtered event stream into memory.
func ListEvents(ctx context.Context, q DBTX, f EventFilter) ([]advice.EmissionEvent, error) {
	rows, err := StreamEvents(ctx, q, f)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []advice.EmissionEvent
	for rows.Next() {
		e, err := ScanEventFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// DeleteEventsBefore removes events (and their outcomes) older than cutoff.
func DeleteEventsBefore(ctx context.Context, q DBTX, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	if _, err := q.ExecContext(ctx, `
		DELETE FROM outcomes
		WHERE trace_id IN (SELECT trace_id FROM emission_events WHERE ts < ?)
	`, ms); err != nil {
		return 0, errors.NewInternal(err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM emission_events WHERE ts < ?`, ms)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// InsertOutcome records the outcome of a prior emission. Each trace holds
// one outcome: inserted is false when the trace already has one.
func InsertOutcome(ctx context.Context, q DBTX, o *advice.Outcome) (inserted bool, err error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO outcomes (trace_id, tool, result, implicit, ts) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO NOTHING`,
		o.TraceID, toNullString(o.Tool), string(o.Result), boolToInt(o.Implicit), o.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// ReplaceImplicitOutcome overwrites the implicit outcome prev of o's trace
// with o. replaced is false when the stored outcome is no longer prev.
func ReplaceImplicitOutcome(ctx context.Context, q DBTX, o *advice.Outcome, prev advice.Result) (replaced bool, err error) {
	res, err := q.ExecContext(ctx,
		`UPDATE outcomes SET tool = ?, result = ?, implicit = ?, ts = ?
		WHERE trace_id = ? AND implicit = 1 AND result = ?`,
		toNullString(o.Tool), string(o.Result), boolToInt(o.Implicit), o.Timestamp.UnixMilli(),
		o.TraceID, string(prev),
	)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// GetOutcome returns the outcome recorded for a trace.
func GetOutcome(ctx context.Context, q DBTX, traceID string) (*advice.Outcome, error) {
	out, err := ListOutcomes(ctx, q, traceID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.NewNotFound(traceID)
	}
	return &out[0], nil
}

// ListOutcomes returns outcomes recorded for a trace, oldest first.
func ListOutcomes(ctx context.Context, q DBTX, traceID string) ([]advice.Outcome, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT trace_id, tool, result, implicit, ts FROM outcomes WHERE trace_id = ? ORDER BY id ASC`,
		traceID,
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []advice.Outcome
	for rows.Next() {
		var (
			o        advice.Outcome
			tool     sql.NullString
			result   string
			implicit int
			ts       int64
		)
		if err := rows.Scan(&o.TraceID, &tool, &result, &implicit, &ts); err != nil {
			return nil, errors.NewInternal(err)
		}
		o.Tool = tool.String
		o.Result = advice.Result(result)
		o.Implicit = implicit != 0
		o.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

const eventSelect = `
	SELECT trace_id, session_id, tool, decision, authority, reason_code,
		candidate_ids_json, sources_json, packet_fingerprint, text, ts
	FROM emission_events`

// ScanEventFromRows scans one emission event from a rows cursor.
func ScanEventFromRows(rows *sql.Rows) (*advice.EmissionEvent, error) {
	var (
		e           advice.EmissionEvent
		decision    string
		authority   string
		idsJSON     sql.NullString
		sourcesJSON sql.NullString
		fingerprint sql.NullString
		text        sql.NullString
		ts          int64
	)
	if err := rows.Scan(&e.TraceID, &e.SessionID, &e.Tool, &decision, &authority, &e.ReasonCode,
		&idsJSON, &sourcesJSON, &fingerprint, &text, &ts); err != nil {
		return nil, errors.NewInternal(err)
	}
	e.Decision = advice.Decision(decision)
	auth, err := advice.ParseAuthority(authority)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	e.Authority = auth
	if idsJSON.Valid && idsJSON.String != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &e.CandidateIDs); err != nil {
			return nil, errors.NewInternal(err)
		}
	}
	if sourcesJSON.Valid && sourcesJSON.String != "" && sourcesJSON.String != "null" {
		if err := json.Unmarshal([]byte(sourcesJSON.String), &e.Sources); err != nil {
			return nil, errors.NewInternal(err)
		}
	}
	e.PacketFingerprint = fingerprint.String
	e.Text = text.String
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
