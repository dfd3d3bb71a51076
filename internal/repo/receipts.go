package repo

import (
	"context"
	"database/sql"

	"ariex/internal/domain"
)

// RecordWebhookReceipt stores a provider event id and reports false when it
// was already seen.
func (r Repo) RecordWebhookReceipt(ctx context.Context, tx *sql.Tx, rc domain.WebhookReceipt) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO webhook_receipts(provider,event_id,event_type,received_at) VALUES (?,?,?,?) ON CONFLICT(provider,event_id) DO NOTHING`,
		rc.Provider, rc.EventID, rc.EventType, rc.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) HasWebhookReceipt(ctx context.Context, tx *sql.Tx, provider, eventID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_receipts WHERE provider=? AND event_id=?`, provider, eventID).Scan(&n)
	return n > 0, err
}
