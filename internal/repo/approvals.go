package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

const approvalColumns = `id,task_id,project_id,request_type,status,payload_json,comment,decided_by,created_at,expires_at,decided_at`

func scanApproval(scan func(dest ...any) error) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var payload, comment, decidedBy, decidedAt sql.NullString
	err := scan(&a.ID, &a.TaskID, &a.ProjectID, &a.RequestType, &a.Status, &payload, &comment, &decidedBy, &a.CreatedAt, &a.ExpiresAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.ProjectID, a.RequestType, a.Status, nullable(a.PayloadJSON), nullable(a.Comment),
		nullableStringPtr(a.DecidedBy), a.CreatedAt, a.ExpiresAt, nullableStringPtr(a.DecidedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id)
	return scanApproval(row.Scan)
}

// ResolveApprovalTx writes a terminal decision onto a pending request.
// Returns false when the request was already terminal; the row is untouched
// in that case, so the first decision always wins.
func (r Repo) ResolveApprovalTx(ctx context.Context, tx *sql.Tx, id, status, payloadJSON, comment, actorID, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?, payload_json=COALESCE(?,payload_json), comment=?, decided_by=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullable(payloadJSON), nullable(comment), actorID, decidedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListPendingApprovals(ctx context.Context, projectID string) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE status='pending'`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListOverduePending returns pending requests whose expiry is at or before now.
func (r Repo) ListOverduePending(ctx context.Context, now string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE status='pending' AND expires_at<=? ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// PendingApprovalForTask returns the single non-terminal request for a task, if any.
func (r Repo) PendingApprovalForTask(ctx context.Context, taskID string) (domain.ApprovalRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE task_id=? AND status='pending' LIMIT 1`, taskID)
	return scanApproval(row.Scan)
}

func (r Repo) ListApprovalsForTask(ctx context.Context, taskID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
