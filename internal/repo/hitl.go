package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

func scanHitl(scan func(dest ...any) error) (domain.HitlSettings, error) {
	var s domain.HitlSettings
	var enabled int
	err := scan(&s.ProjectID, &enabled, &s.Counter, &s.Ceiling, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Enabled = enabled != 0
	return s, err
}

func (r Repo) GetHitlSettings(ctx context.Context, projectID string) (domain.HitlSettings, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,enabled,counter,ceiling,updated_at FROM hitl_settings WHERE project_id=?`, projectID)
	return scanHitl(row.Scan)
}

func (r Repo) GetHitlSettingsTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.HitlSettings, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,enabled,counter,ceiling,updated_at FROM hitl_settings WHERE project_id=?`, projectID)
	return scanHitl(row.Scan)
}

func (r Repo) UpsertHitlSettingsTx(ctx context.Context, tx *sql.Tx, s domain.HitlSettings) error {
	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO hitl_settings(project_id,enabled,counter,ceiling,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET enabled=excluded.enabled, counter=excluded.counter, ceiling=excluded.ceiling, updated_at=excluded.updated_at`,
		s.ProjectID, enabled, s.Counter, s.Ceiling, s.UpdatedAt)
	return err
}

// DecrementHitlCounterTx atomically decrements a positive counter.
// Returns the number of rows changed (0 when the counter was already 0).
func (r Repo) DecrementHitlCounterTx(ctx context.Context, tx *sql.Tx, projectID, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE hitl_settings SET counter=counter-1, updated_at=? WHERE project_id=? AND counter>0`, updatedAt, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
