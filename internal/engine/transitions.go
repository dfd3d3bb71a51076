package engine

import (
	"context"
	"database/sql"
	"errors"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/repo"
)

// TransitionOptions names a target status for an agreement.
type TransitionOptions struct {
	ID     string
	To     string
	Reason string
}

// TransitionAgreement moves an agreement along one edge of the lifecycle.
// Triggers fired by provider evidence are reserved for system principals.
func (e Engine) TransitionAgreement(ctx context.Context, opts TransitionOptions, actor auth.Principal) (domain.Agreement, error) {
	to, err := lifecycle.Parse(opts.To)
	if err != nil {
		return domain.Agreement{}, invalid("status", "%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, opts.ID)
	if err != nil {
		return a, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return a, err
	}
	from := lifecycle.Status(a.Status)
	trigger, ok := lifecycle.TriggerFor(from, to)
	if !ok {
		return a, &lifecycle.TransitionError{From: from, To: to}
	}
	if !trigger.Manual() && !actor.IsSystem() {
		return a, auth.ForbiddenError{Permission: "agreement.transition.system"}
	}
	switch trigger {
	case lifecycle.TriggerTodosAccepted:
		if err := e.requireDocumentGate(ctx, tx, a.ID); err != nil {
			return a, err
		}
	case lifecycle.TriggerCancel:
		if err := e.cancelChargeTx(ctx, tx, a.ID, actor); err != nil {
			return a, err
		}
	}
	a, err = e.transitionTx(ctx, tx, a, trigger, actor, opts.Reason)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) CancelAgreement(ctx context.Context, id, reason string, actor auth.Principal) (domain.Agreement, error) {
	return e.TransitionAgreement(ctx, TransitionOptions{ID: id, To: string(lifecycle.Cancelled), Reason: reason}, actor)
}

// AdvanceToStrategy is the strategist's checkpoint once every requested
// document is accepted.
func (e Engine) AdvanceToStrategy(ctx context.Context, id string, actor auth.Principal) (domain.Agreement, error) {
	return e.TransitionAgreement(ctx, TransitionOptions{ID: id, To: string(lifecycle.PendingStrategy)}, actor)
}

func (e Engine) FinishAgreement(ctx context.Context, id string, actor auth.Principal) (domain.Agreement, error) {
	return e.TransitionAgreement(ctx, TransitionOptions{ID: id, To: string(lifecycle.Completed)}, actor)
}

// transitionTx applies trigger with a compare-and-set on the stored status
// and records the change.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, a domain.Agreement, trigger lifecycle.Trigger, actor auth.Principal, reason string) (domain.Agreement, error) {
	from := lifecycle.Status(a.Status)
	to, err := lifecycle.Apply(from, trigger)
	if err != nil {
		return a, err
	}
	now := e.nowString()
	if err := e.Repo.CompareAndSetStatus(ctx, tx, a.ID, string(from), string(to), now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return a, &lifecycle.TransitionError{From: from, To: to}
		}
		return a, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to), "trigger": string(trigger)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, "agreement.status_changed", a.ID, "agreement", a.ID, actor.ActorID, payload); err != nil {
		return a, err
	}
	a.Status = string(to)
	a.UpdatedAt = now
	e.log().Info("agreement transitioned", "agreement_id", a.ID, "from", from, "to", to, "trigger", trigger, "actor", actor.ActorID)
	return a, nil
}

// fireIfAt applies trigger only when the agreement still sits at from. It
// reports whether the status changed.
func (e Engine) fireIfAt(ctx context.Context, tx *sql.Tx, agreementID string, from lifecycle.Status, trigger lifecycle.Trigger, actor auth.Principal) (bool, error) {
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return false, err
	}
	if lifecycle.Status(a.Status) != from {
		return false, nil
	}
	if _, err := e.transitionTx(ctx, tx, a, trigger, actor, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) requireDocumentGate(ctx context.Context, tx *sql.Tx, agreementID string) error {
	todos, err := e.Repo.ListTodos(ctx, tx, repo.TodoFilters{AgreementID: agreementID})
	if err != nil {
		return err
	}
	docs, err := e.Repo.ListDocuments(ctx, tx, repo.DocumentFilters{AgreementID: agreementID})
	if err != nil {
		return err
	}
	joined := lifecycle.AttachDocuments(todos, docs)
	if lifecycle.AllDocumentsAccepted(joined) {
		return nil
	}
	var pending []string
	for _, t := range lifecycle.DocumentRequests(joined) {
		if t.Document == nil || t.Document.AcceptanceStatus == nil || *t.Document.AcceptanceStatus != domain.AcceptedByStrategist {
			pending = append(pending, t.ID)
		}
	}
	g := gateError("documents_accepted", "every requested document must be accepted")
	if len(lifecycle.DocumentRequests(joined)) == 0 {
		g.Reason = "no documents have been requested"
	}
	g.Details = map[string]any{"pending_todos": pending}
	return g
}

func (e Engine) cancelChargeTx(ctx context.Context, tx *sql.Tx, agreementID string, actor auth.Principal) error {
	c, err := e.Repo.ChargeForAgreement(ctx, tx, agreementID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !linkable(c) {
		return nil
	}
	c.Status = domain.ChargeCancelled
	c.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateCharge(ctx, tx, c); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "charge.cancelled", agreementID, "charge", c.ID, actor.ActorID, nil)
}
