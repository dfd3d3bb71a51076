package repo

import (
	"context"
	"database/sql"
	"errors"

	"ariex/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(id,user_id,role,signature_reconciled_at,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.UserID, s.Role, nullableStringPtr(s.SignatureReconciledAt), s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	var s domain.Session
	var reconciled sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,user_id,role,signature_reconciled_at,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &s.Role, &reconciled, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.SignatureReconciledAt = stringPtr(reconciled)
	return s, err
}

// ClaimSignatureReconcile sets the latch if it is still unset and reports
// whether this caller won it.
func (r Repo) ClaimSignatureReconcile(ctx context.Context, tx *sql.Tx, sessionID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET signature_reconciled_at=? WHERE id=? AND signature_reconciled_at IS NULL`, now, sessionID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
