package db

import (
	"context"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
)

// LoadTrust returns every persisted source trust value.
func LoadTrust(ctx context.Context, q DBTX) (map[advice.Source]float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT source, trust FROM source_trust`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := make(map[advice.Source]float64)
	for rows.Next() {
		var (
			source string
			trust  float64
		)
		if err := rows.Scan(&source, &trust); err != nil {
			return nil, errors.NewInternal(err)
		}
		out[advice.Source(source)] = trust
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// SaveTrust upserts the trust value of one source.
func SaveTrust(ctx context.Context, q DBTX, source advice.Source, trust float64, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO source_trust (source, trust, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET trust = excluded.trust, updated_at = excluded.updated_at
	`, string(source), trust, now)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteTrust resets persisted trust so every source falls back to the initial value.
func DeleteTrust(ctx context.Context, q DBTX) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM source_trust`); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
