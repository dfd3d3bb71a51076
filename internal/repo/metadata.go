package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"ariex/internal/domain"
)

func (r Repo) UpsertMetadata(ctx context.Context, tx *sql.Tx, m domain.AgreementMetadata) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agreement_metadata(agreement_id,kind,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(agreement_id,kind) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		m.AgreementID, m.Kind, m.PayloadJSON, m.UpdatedAt)
	return err
}

func (r Repo) GetMetadata(ctx context.Context, tx *sql.Tx, agreementID, kind string) (domain.AgreementMetadata, error) {
	var m domain.AgreementMetadata
	err := r.q(tx).QueryRowContext(ctx, `SELECT agreement_id,kind,payload_json,updated_at FROM agreement_metadata WHERE agreement_id=? AND kind=?`, agreementID, kind).
		Scan(&m.AgreementID, &m.Kind, &m.PayloadJSON, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMetadata(ctx context.Context, tx *sql.Tx, agreementID string) ([]domain.AgreementMetadata, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT agreement_id,kind,payload_json,updated_at FROM agreement_metadata WHERE agreement_id=? ORDER BY kind`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgreementMetadata
	for rows.Next() {
		var m domain.AgreementMetadata
		if err := rows.Scan(&m.AgreementID, &m.Kind, &m.PayloadJSON, &m.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// SignatureMetadata decodes a signature-shaped metadata row. A missing row
// or undecodable payload yields the zero value.
func (r Repo) SignatureMetadata(ctx context.Context, tx *sql.Tx, agreementID, kind string) (domain.SignatureMetadata, error) {
	var meta domain.SignatureMetadata
	m, err := r.GetMetadata(ctx, tx, agreementID, kind)
	if errors.Is(err, ErrNotFound) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	_ = json.Unmarshal([]byte(m.PayloadJSON), &meta)
	return meta, nil
}
