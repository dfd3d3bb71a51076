package repo

import (
	"context"
	"database/sql"

	"ariex/internal/domain"
)

// InsertDocumentReview records one acceptance decision.
func (r Repo) InsertDocumentReview(ctx context.Context, tx *sql.Tx, v domain.DocumentReview) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO document_reviews(id,document_id,reviewer_id,role,status,reason,created_at) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.DocumentID, v.ReviewerID, v.Role, v.Status, nullable(v.Reason), v.CreatedAt)
	return err
}

func (r Repo) ListDocumentReviews(ctx context.Context, tx *sql.Tx, documentID string) ([]domain.DocumentReview, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,document_id,reviewer_id,role,status,COALESCE(reason,''),created_at FROM document_reviews WHERE document_id=? ORDER BY created_at DESC, id DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentReview
	for rows.Next() {
		var v domain.DocumentReview
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.ReviewerID, &v.Role, &v.Status, &v.Reason, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
