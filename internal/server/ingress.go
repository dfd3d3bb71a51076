package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"ariex/internal/engine"
	"ariex/internal/esign"
	"ariex/internal/payments"
)

// registerIngress mounts the provider callbacks. They bypass session auth
// and are authenticated by their signatures over the raw body.
func registerIngress(r chi.Router, basePath string, e engine.Engine, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	r.Post(path.Join(basePath, "webhooks/stripe"), func(w http.ResponseWriter, req *http.Request) {
		body := bodyBytes(req.Context())
		evt, err := payments.VerifyStripeSignature(req.Header, body, e.Config.Payments.WebhookSecret, e.Config.PaymentsTolerance(), e.Now())
		if err != nil {
			log.Warn("stripe webhook rejected", "err", err)
			respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_signature", "invalid webhook signature", nil))
			return
		}
		res, err := e.HandlePaymentEvent(req.Context(), evt)
		if err != nil {
			log.Error("stripe webhook failed", "event_id", evt.ID, "type", evt.Type, "err", err)
			respondStatusError(w, handleError(err))
			return
		}
		log.Info("stripe webhook", "event_id", evt.ID, "type", evt.Type, "charge_id", res.ChargeID, "applied", res.Applied, "duplicate", res.Duplicate)
		writeJSON(w, http.StatusOK, WebhookAck{Received: true, Duplicate: res.Duplicate, Ignored: res.Ignored})
	})

	r.Post(path.Join(basePath, "webhooks/esign"), func(w http.ResponseWriter, req *http.Request) {
		evt, err := esign.VerifyWebhook(req.Header, bodyBytes(req.Context()), e.Config.Signature.WebhookSecret)
		if err != nil {
			log.Warn("esign webhook rejected", "err", err)
			status, code := http.StatusBadRequest, "invalid_signature"
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				code = "bad_request"
			}
			respondStatusError(w, newAPIError(status, code, err.Error(), nil))
			return
		}
		res, err := e.HandleSignatureEvent(req.Context(), evt)
		if err != nil {
			log.Error("esign webhook failed", "event_id", evt.ID, "envelope_id", evt.EnvelopeID, "err", err)
			respondStatusError(w, handleError(err))
			return
		}
		ack := WebhookAck{Received: true, Duplicate: res.Duplicate, Ignored: res.Ignored}
		if res.Reconcile != nil {
			ack.Detail = res.Reconcile.Status
		}
		if r := res.Reconcile; r != nil && r.Completed && !r.Success {
			log.Warn("esign webhook not applied; awaiting redelivery", "event_id", evt.ID, "envelope_id", evt.EnvelopeID, "errors", r.Errors)
			writeJSON(w, http.StatusServiceUnavailable, ack)
			return
		}
		log.Info("esign webhook", "event_id", evt.ID, "envelope_id", evt.EnvelopeID, "status", ack.Detail)
		writeJSON(w, http.StatusOK, ack)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
