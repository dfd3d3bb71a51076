package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ariex/internal/domain"
)

const chargeColumns = "id,agreement_id,amount,currency,status,payment_link,checkout_session_id,link_count,link_issued_at,paid_at,created_at,updated_at"

func scanCharge(row rowScanner) (domain.Charge, error) {
	var c domain.Charge
	var amount string
	var link, session, issuedAt, paidAt sql.NullString
	err := row.Scan(&c.ID, &c.AgreementID, &amount, &c.Currency, &c.Status, &link, &session, &c.LinkCount, &issuedAt, &paidAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return c, fmt.Errorf("charge %s amount: %w", c.ID, err)
	}
	c.PaymentLink = stringPtr(link)
	c.CheckoutSessionID = stringPtr(session)
	c.LinkIssuedAt = stringPtr(issuedAt)
	c.PaidAt = stringPtr(paidAt)
	return c, nil
}

// InsertChargeOnce inserts the charge unless the agreement already has one.
// It reports whether a row was written.
func (r Repo) InsertChargeOnce(ctx context.Context, tx *sql.Tx, c domain.Charge) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO charges(id,agreement_id,amount,currency,status,payment_link,checkout_session_id,link_count,link_issued_at,paid_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(agreement_id) DO NOTHING`,
		c.ID, c.AgreementID, c.Amount.String(), c.Currency, c.Status, nullableStringPtr(c.PaymentLink), nullableStringPtr(c.CheckoutSessionID),
		c.LinkCount, nullableStringPtr(c.LinkIssuedAt), nullableStringPtr(c.PaidAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UpdateCharge(ctx context.Context, tx *sql.Tx, c domain.Charge) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE charges SET status=?, payment_link=?, checkout_session_id=?, link_count=?, link_issued_at=?, paid_at=?, updated_at=? WHERE id=?`,
		c.Status, nullableStringPtr(c.PaymentLink), nullableStringPtr(c.CheckoutSessionID), c.LinkCount,
		nullableStringPtr(c.LinkIssuedAt), nullableStringPtr(c.PaidAt), c.UpdatedAt, c.ID))
}

func (r Repo) GetCharge(ctx context.Context, tx *sql.Tx, id string) (domain.Charge, error) {
	return scanCharge(r.q(tx).QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id=?`, id))
}

func (r Repo) ChargeForAgreement(ctx context.Context, tx *sql.Tx, agreementID string) (domain.Charge, error) {
	return scanCharge(r.q(tx).QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE agreement_id=?`, agreementID))
}

func (r Repo) ChargeForSession(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Charge, error) {
	return scanCharge(r.q(tx).QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE checkout_session_id=?`, sessionID))
}
