package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hpungsan/nudge/internal/errors"
)

// PacketRow is a persisted advisory packet. Payload is the encoded packet
// body; the packet package owns its format.
type PacketRow struct {
	Fingerprint   string
	Tool          string
	Phase         string
	FileHints     []string
	Payload       []byte
	Effectiveness float64
	CreatedAt     int64
	ExpiresAt     int64
}

// UpsertPacket inserts or replaces a packet row.
func UpsertPacket(ctx context.Context, q DBTX, p *PacketRow) error {
	var hintsJSON sql.NullString
	if len(p.FileHints) > 0 {
		data, err := json.Marshal(p.FileHints)
		if err != nil {
			return errors.NewInternal(err)
		}
		hintsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO packets (
			fingerprint, tool, phase, file_hints_json, payload,
			effectiveness, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			tool = excluded.tool,
			phase = excluded.phase,
			file_hints_json = excluded.file_hints_json,
			payload = excluded.payload,
			effectiveness = excluded.effectiveness,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	if _, err := q.ExecContext(ctx, query,
		p.Fingerprint, p.Tool, p.Phase, hintsJSON, string(p.Payload),
		p.Effectiveness, p.CreatedAt, p.ExpiresAt,
	); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetPacket retrieves a packet row by fingerprint.
func GetPacket(ctx context.Context, q DBTX, fingerprint string) (*PacketRow, error) {
	rows, err := q.QueryContext(ctx, packetSelect+` WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewInternal(err)
		}
		return nil, errors.NewNotFound(fingerprint)
	}
	return scanPacket(rows)
}

// ListPackets returns every packet row whose expiry is after now,
// most effective first. now <= 0 returns all rows.
func ListPackets(ctx context.Context, q DBTX, now int64) ([]PacketRow, error) {
	query := packetSelect
	var args []any
	if now > 0 {
		query += ` WHERE expires_at > ?`
		args = append(args, now)
	}
	query += ` ORDER BY effectiveness DESC, created_at DESC, fingerprint ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []PacketRow
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpdatePacketFeedback rewrites the effectiveness and payload of an
// existing packet. A packet deleted in the meantime stays deleted: the
// update reports NOT_FOUND instead of recreating the row.
func UpdatePacketFeedback(ctx context.Context, q DBTX, fingerprint string, effectiveness float64, payload []byte) error {
	res, err := q.ExecContext(ctx,
		`UPDATE packets SET effectiveness = ?, payload = ? WHERE fingerprint = ?`,
		effectiveness, string(payload), fingerprint,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(fingerprint)
	}
	return nil
}

// DeletePacket removes one packet. Missing rows are not an error.
func DeletePacket(ctx context.Context, q DBTX, fingerprint string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM packets WHERE fingerprint = ?`, fingerprint); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteExpiredPackets removes packets whose expiry is at or before now.
func DeleteExpiredPackets(ctx context.Context, q DBTX, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM packets WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// DeleteAllPackets empties the packet store.
func DeleteAllPackets(ctx context.Context, q DBTX) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM packets`)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

const packetSelect = `
	SELECT fingerprint, tool, phase, file_hints_json, payload,
		effectiveness, created_at, expires_at
	FROM packets`

func scanPacket(rows *sql.Rows) (*PacketRow, error) {
	var (
		p         PacketRow
		hintsJSON sql.NullString
		payload   string
	)
	if err := rows.Scan(&p.Fingerprint, &p.Tool, &p.Phase, &hintsJSON, &payload,
		&p.Effectiveness, &p.CreatedAt, &p.ExpiresAt); err != nil {
		return nil, errors.NewInternal(err)
	}
	p.Payload = []byte(payload)
	if hintsJSON.Valid && hintsJSON.String != "" {
		if err := json.Unmarshal([]byte(hintsJSON.String), &p.FileHints); err != nil {
			return nil, errors.NewInternal(err)
		}
	}
	return &p, nil
}
