package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/events"
	"ariex/internal/lifecycle"
	"ariex/internal/payments"
	"ariex/internal/repo"
)

// RequestPayment creates the agreement's single charge and issues its first
// payment link. Calling it again returns the existing charge.
func (e Engine) RequestPayment(ctx context.Context, agreementID string, actor auth.Principal) (domain.Charge, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Charge{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, agreementID)
	if err != nil {
		return domain.Charge{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return domain.Charge{}, err
	}
	if domainStatus(a) != lifecycle.PendingPayment {
		return domain.Charge{}, gateError("pending_payment", "agreement is %s", a.Status)
	}
	now := e.nowString()
	c := domain.Charge{
		ID:          uuid.NewString(),
		AgreementID: a.ID,
		Amount:      a.Price,
		Currency:    a.Currency,
		Status:      domain.ChargePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := e.Repo.InsertChargeOnce(ctx, tx, c)
	if err != nil {
		return domain.Charge{}, err
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, "charge.created", a.ID, "charge", c.ID, actor.ActorID, events.EventPayload{
			"amount":   c.Amount.String(),
			"currency": c.Currency,
		}); err != nil {
			return domain.Charge{}, err
		}
	}
	if c, err = e.Repo.ChargeForAgreement(ctx, tx, a.ID); err != nil {
		return domain.Charge{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Charge{}, err
	}
	if !inserted || c.PaymentLink != nil {
		return c, nil
	}
	return e.GeneratePaymentLink(ctx, c.ID, actor)
}

// GeneratePaymentLink issues a fresh checkout link for a pending charge, or
// for a failed one, which goes back to pending. It never creates a charge.
func (e Engine) GeneratePaymentLink(ctx context.Context, chargeID string, actor auth.Principal) (domain.Charge, error) {
	if e.Payments == nil {
		return domain.Charge{}, errors.New("payment provider is not configured")
	}
	c, err := e.Repo.GetCharge(ctx, nil, chargeID)
	if err != nil {
		return c, err
	}
	a, err := e.Repo.GetAgreement(ctx, nil, c.AgreementID)
	if err != nil {
		return c, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return c, err
	}
	if !linkable(c) {
		return c, gateError("charge_pending", "charge is %s", c.Status)
	}
	client, err := e.Repo.GetUser(ctx, nil, a.ClientID)
	if err != nil {
		return c, err
	}
	session, err := e.Payments.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		ChargeID:    c.ID,
		AgreementID: a.ID,
		Description: a.Title,
		Amount:      c.Amount,
		Currency:    c.Currency,
		SuccessURL:  e.paymentReturnURL(e.Config.Payments.SuccessPath, a.ID),
		CancelURL:   e.paymentReturnURL(e.Config.Payments.CancelPath, a.ID),
		CustomerRef: client.Email,
		Attempt:     c.LinkCount + 1,
	})
	if err != nil {
		return c, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if c, err = e.Repo.GetCharge(ctx, tx, chargeID); err != nil {
		return c, err
	}
	if !linkable(c) {
		return c, gateError("charge_pending", "charge is %s", c.Status)
	}
	now := e.nowString()
	c.Status = domain.ChargePending
	c.PaymentLink = &session.URL
	c.CheckoutSessionID = &session.ID
	c.LinkCount++
	c.LinkIssuedAt = &now
	c.UpdatedAt = now
	if err := e.Repo.UpdateCharge(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "charge.link_issued", a.ID, "charge", c.ID, actor.ActorID, events.EventPayload{
		"session_id": session.ID,
		"attempt":    c.LinkCount,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func linkable(c domain.Charge) bool {
	return c.Status == domain.ChargePending || c.Status == domain.ChargeFailed
}

func (e Engine) paymentReturnURL(pattern, agreementID string) string {
	p := strings.ReplaceAll(pattern, "{id}", url.PathEscape(agreementID))
	return strings.TrimRight(e.Config.Service.PublicURL, "/") + p
}

func (e Engine) GetCharge(ctx context.Context, agreementID string, actor auth.Principal) (domain.Charge, error) {
	a, err := e.Repo.GetAgreement(ctx, nil, agreementID)
	if err != nil {
		return domain.Charge{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return domain.Charge{}, err
	}
	return e.Repo.ChargeForAgreement(ctx, nil, a.ID)
}

// PaymentEventResult reports what a processor event changed.
type PaymentEventResult struct {
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
	ChargeID  string `json:"charge_id,omitempty"`
	Applied   bool   `json:"applied"`
}

// HandlePaymentEvent applies a verified processor event. The receipt is
// stored in the same transaction as its effect, so a redelivery is a no-op.
func (e Engine) HandlePaymentEvent(ctx context.Context, evt payments.Event) (PaymentEventResult, error) {
	var res PaymentEventResult
	if evt.ID == "" {
		return res, invalid("id", "event id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	fresh, err := e.Repo.RecordWebhookReceipt(ctx, tx, domain.WebhookReceipt{
		Provider:   "stripe",
		EventID:    evt.ID,
		EventType:  evt.Type,
		ReceivedAt: e.nowString(),
	})
	if err != nil {
		return res, err
	}
	if !fresh {
		res.Duplicate = true
		return res, nil
	}
	actor := auth.System("stripe")
	switch evt.Type {
	case payments.EventCheckoutCompleted:
		if ps := evt.Data.Object.PaymentStatus; ps != "" && ps != "paid" && ps != "no_payment_required" {
			res.Ignored = true
			break
		}
		c, err := e.chargeForEvent(ctx, tx, evt)
		if errors.Is(err, repo.ErrNotFound) {
			e.log().Warn("checkout for unknown charge", "event_id", evt.ID, "session_id", evt.Data.Object.ID)
			res.Ignored = true
			break
		}
		if err != nil {
			return res, err
		}
		res.ChargeID = c.ID
		if res.Applied, err = e.markChargePaidTx(ctx, tx, c, actor); err != nil {
			return res, err
		}
	case payments.EventCheckoutExpired:
		if c, err := e.chargeForEvent(ctx, tx, evt); err == nil {
			res.ChargeID = c.ID
			if err := e.Events.Append(ctx, tx, "charge.link_expired", c.AgreementID, "charge", c.ID, actor.ActorID, events.EventPayload{"session_id": evt.Data.Object.ID}); err != nil {
				return res, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
	case payments.EventAsyncPaymentFailed:
		c, err := e.chargeForEvent(ctx, tx, evt)
		if errors.Is(err, repo.ErrNotFound) {
			res.Ignored = true
			break
		}
		if err != nil {
			return res, err
		}
		res.ChargeID = c.ID
		if c.Status != domain.ChargePending {
			res.Ignored = true
			break
		}
		c.Status = domain.ChargeFailed
		c.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateCharge(ctx, tx, c); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, "charge.failed", c.AgreementID, "charge", c.ID, actor.ActorID, events.EventPayload{"session_id": evt.Data.Object.ID}); err != nil {
			return res, err
		}
		res.Applied = true
	default:
		res.Ignored = true
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) chargeForEvent(ctx context.Context, tx *sql.Tx, evt payments.Event) (domain.Charge, error) {
	if id := evt.ChargeID(); id != "" {
		c, err := e.Repo.GetCharge(ctx, tx, id)
		if err == nil || !errors.Is(err, repo.ErrNotFound) {
			return c, err
		}
	}
	if evt.Data.Object.ID == "" {
		return domain.Charge{}, repo.ErrNotFound
	}
	return e.Repo.ChargeForSession(ctx, tx, evt.Data.Object.ID)
}

// MarkChargePaid records a payment confirmed out of band.
func (e Engine) MarkChargePaid(ctx context.Context, chargeID string, actor auth.Principal) (domain.Charge, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Charge{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCharge(ctx, tx, chargeID)
	if err != nil {
		return c, err
	}
	if _, err := e.markChargePaidTx(ctx, tx, c, actor); err != nil {
		return c, err
	}
	if c, err = e.Repo.GetCharge(ctx, tx, chargeID); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// markChargePaidTx sets the charge paid, completes the pay todo and moves
// the agreement out of PENDING_PAYMENT when it is still there.
func (e Engine) markChargePaidTx(ctx context.Context, tx *sql.Tx, c domain.Charge, actor auth.Principal) (bool, error) {
	if c.Status == domain.ChargePaid {
		return false, nil
	}
	if c.Status == domain.ChargeCancelled {
		e.log().Warn("payment for cancelled charge", "charge_id", c.ID, "agreement_id", c.AgreementID)
	}
	now := e.nowString()
	c.Status = domain.ChargePaid
	c.PaidAt = &now
	c.UpdatedAt = now
	if err := e.Repo.UpdateCharge(ctx, tx, c); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "charge.paid", c.AgreementID, "charge", c.ID, actor.ActorID, events.EventPayload{
		"amount":   c.Amount.String(),
		"currency": c.Currency,
	}); err != nil {
		return false, err
	}
	if _, _, err := e.completeTodoOfKindTx(ctx, tx, c.AgreementID, domain.TodoKindPay, actor); err != nil {
		return false, fmt.Errorf("complete pay todo: %w", err)
	}
	if _, err := e.fireIfAt(ctx, tx, c.AgreementID, lifecycle.PendingPayment, lifecycle.TriggerPaymentReceived, actor); err != nil {
		return false, err
	}
	return true, nil
}
