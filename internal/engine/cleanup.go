package engine

import (
	"context"
	"time"

	"ariex/internal/engine/auth"
	"ariex/internal/events"
)

// CleanupResult lists the orphaned documents removed by one sweep.
type CleanupResult struct {
	Cutoff    string   `json:"cutoff"`
	Documents []string `json:"documents"`
}

// CleanupOrphans deletes temporary documents created before now-olderThan.
// They are left behind by send runs that never attached an envelope. A zero
// olderThan uses the configured orphan TTL.
func (e Engine) CleanupOrphans(ctx context.Context, olderThan time.Duration, actor auth.Principal) (CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = e.Config.OrphanTTL()
	}
	res := CleanupResult{Cutoff: e.now().Add(-olderThan).UTC().Format(time.RFC3339), Documents: []string{}}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	docs, err := e.Repo.ListTemporaryDocuments(ctx, tx, res.Cutoff)
	if err != nil {
		return res, err
	}
	for _, d := range docs {
		if err := e.Repo.DeleteDocument(ctx, tx, d.ID); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, "document.orphan_deleted", d.AgreementID, "document", d.ID, actor.ActorID, events.EventPayload{
			"kind":       d.Kind,
			"created_at": d.CreatedAt,
		}); err != nil {
			return res, err
		}
		res.Documents = append(res.Documents, d.ID)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	if len(res.Documents) > 0 {
		e.log().Info("orphan documents removed", "count", len(res.Documents), "cutoff", res.Cutoff)
	}
	return res, nil
}
