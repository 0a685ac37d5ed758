package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

func scanBudgetState(scan func(dest ...any) error) (domain.BudgetState, error) {
	var b domain.BudgetState
	var stopped int
	var reason sql.NullString
	err := scan(&b.ProjectID, &b.LimitUnits, &b.CommittedUnits, &stopped, &reason, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.EmergencyStopped = stopped != 0
	if reason.Valid {
		b.StopReason = &reason.String
	}
	return b, nil
}

func (r Repo) GetBudgetState(ctx context.Context, projectID string) (domain.BudgetState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,limit_units,committed_units,emergency_stopped,stop_reason,updated_at FROM budget_state WHERE project_id=?`, projectID)
	return scanBudgetState(row.Scan)
}

func (r Repo) GetBudgetStateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.BudgetState, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,limit_units,committed_units,emergency_stopped,stop_reason,updated_at FROM budget_state WHERE project_id=?`, projectID)
	return scanBudgetState(row.Scan)
}

func (r Repo) UpsertBudgetStateTx(ctx context.Context, tx *sql.Tx, b domain.BudgetState) error {
	stopped := 0
	if b.EmergencyStopped {
		stopped = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_state(project_id,limit_units,committed_units,emergency_stopped,stop_reason,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET limit_units=excluded.limit_units, committed_units=excluded.committed_units, emergency_stopped=excluded.emergency_stopped, stop_reason=excluded.stop_reason, updated_at=excluded.updated_at`,
		b.ProjectID, b.LimitUnits, b.CommittedUnits, stopped, nullableStringPtr(b.StopReason), b.UpdatedAt)
	return err
}

// OpenReservedUnitsTx sums units of open reservations for a project.
func (r Repo) OpenReservedUnitsTx(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(units),0) FROM reservations WHERE project_id=? AND status='open'`, projectID)
	var units int64
	err := row.Scan(&units)
	return units, err
}

func (r Repo) OpenReservedUnits(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(units),0) FROM reservations WHERE project_id=? AND status='open'`, projectID)
	var units int64
	err := row.Scan(&units)
	return units, err
}

func scanReservation(scan func(dest ...any) error) (domain.Reservation, error) {
	var res domain.Reservation
	var taskID, resolvedAt sql.NullString
	var actual sql.NullInt64
	err := scan(&res.ID, &res.ProjectID, &taskID, &res.AgentRole, &res.Units, &actual, &res.Status, &res.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if taskID.Valid {
		res.TaskID = taskID.String
	}
	if actual.Valid {
		res.ActualUnits = &actual.Int64
	}
	if resolvedAt.Valid {
		res.ResolvedAt = &resolvedAt.String
	}
	return res, nil
}

func (r Repo) InsertReservationTx(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reservations(id,project_id,task_id,agent_role,units,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		res.ID, res.ProjectID, nullable(res.TaskID), string(res.AgentRole), res.Units, res.Status, res.CreatedAt)
	return err
}

func (r Repo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,task_id,agent_role,units,actual_units,status,created_at,resolved_at FROM reservations WHERE id=?`, id)
	return scanReservation(row.Scan)
}

func (r Repo) GetReservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,project_id,task_id,agent_role,units,actual_units,status,created_at,resolved_at FROM reservations WHERE id=?`, id)
	return scanReservation(row.Scan)
}

// OpenReservationForTask returns the open reservation backing a task, if any.
func (r Repo) OpenReservationForTask(ctx context.Context, taskID string) (domain.Reservation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,task_id,agent_role,units,actual_units,status,created_at,resolved_at FROM reservations WHERE task_id=? AND status='open' LIMIT 1`, taskID)
	return scanReservation(row.Scan)
}

// ResolveReservationTx moves an open reservation to committed or released.
// Returns false when the reservation is no longer open.
func (r Repo) ResolveReservationTx(ctx context.Context, tx *sql.Tx, id, status string, actualUnits *int64, resolvedAt string) (bool, error) {
	var actual any
	if actualUnits != nil {
		actual = *actualUnits
	}
	res, err := tx.ExecContext(ctx, `UPDATE reservations SET status=?, actual_units=?, resolved_at=? WHERE id=? AND status='open'`,
		status, actual, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
