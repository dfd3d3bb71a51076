package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"ariex/internal/domain"
)

const agreementColumns = "id,client_id,strategist_id,title,COALESCE(description,''),status,price,currency,dual_signing,envelope_id,strategy_envelope_id,created_at,updated_at"

func scanAgreement(row rowScanner) (domain.Agreement, error) {
	var a domain.Agreement
	var price string
	var dual int
	var envelopeID, strategyEnvelopeID sql.NullString
	err := row.Scan(&a.ID, &a.ClientID, &a.StrategistID, &a.Title, &a.Description, &a.Status, &price, &a.Currency, &dual,
		&envelopeID, &strategyEnvelopeID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Price, err = decimal.NewFromString(price)
	if err != nil {
		return a, fmt.Errorf("agreement %s price: %w", a.ID, err)
	}
	a.DualSigning = dual == 1
	a.EnvelopeID = stringPtr(envelopeID)
	a.StrategyEnvelopeID = stringPtr(strategyEnvelopeID)
	return a, nil
}

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agreements(id,client_id,strategist_id,title,description,status,price,currency,dual_signing,envelope_id,strategy_envelope_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ClientID, a.StrategistID, a.Title, nullable(a.Description), a.Status, a.Price.String(), a.Currency, boolInt(a.DualSigning),
		nullableStringPtr(a.EnvelopeID), nullableStringPtr(a.StrategyEnvelopeID), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAgreement rewrites the mutable columns.
func (r Repo) UpdateAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE agreements SET title=?, description=?, price=?, currency=?, dual_signing=?, envelope_id=?, strategy_envelope_id=?, updated_at=? WHERE id=?`,
		a.Title, nullable(a.Description), a.Price.String(), a.Currency, boolInt(a.DualSigning),
		nullableStringPtr(a.EnvelopeID), nullableStringPtr(a.StrategyEnvelopeID), a.UpdatedAt, a.ID))
}

// CompareAndSetStatus moves the agreement only if it is still in from. It
// returns ErrConflict when another writer moved it first.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agreements SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetAgreement(ctx, tx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) GetAgreement(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	return scanAgreement(r.q(tx).QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id=?`, id))
}

type AgreementFilters struct {
	ClientID     string
	StrategistID string
	// PartyID matches either side of the agreement.
	PartyID         string
	Statuses        []string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAgreements returns agreements newest first with keyset pagination.
func (r Repo) ListAgreements(ctx context.Context, tx *sql.Tx, f AgreementFilters) ([]domain.Agreement, error) {
	qb := sq.Select(agreementColumns).From("agreements").OrderBy("created_at DESC", "id DESC")
	if f.ClientID != "" {
		qb = qb.Where(sq.Eq{"client_id": f.ClientID})
	}
	if f.StrategistID != "" {
		qb = qb.Where(sq.Eq{"strategist_id": f.StrategistID})
	}
	if f.PartyID != "" {
		qb = qb.Where(sq.Or{sq.Eq{"client_id": f.PartyID}, sq.Eq{"strategist_id": f.PartyID}})
	}
	if len(f.Statuses) > 0 {
		qb = qb.Where(sq.Eq{"status": f.Statuses})
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		qb = qb.Where(sq.Or{
			sq.Lt{"created_at": f.CursorCreatedAt},
			sq.And{sq.Eq{"created_at": f.CursorCreatedAt}, sq.Lt{"id": f.CursorID}},
		})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgreementForEnvelope finds the agreement holding envelopeID and reports
// which column matched: "signature" for the contract, "strategy" otherwise.
func (r Repo) AgreementForEnvelope(ctx context.Context, tx *sql.Tx, envelopeID string) (domain.Agreement, string, error) {
	a, err := scanAgreement(r.q(tx).QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE envelope_id=? OR strategy_envelope_id=? LIMIT 1`, envelopeID, envelopeID))
	if err != nil {
		return a, "", err
	}
	if a.EnvelopeID != nil && *a.EnvelopeID == envelopeID {
		return a, domain.MetadataSignature, nil
	}
	return a, domain.MetadataStrategy, nil
}
