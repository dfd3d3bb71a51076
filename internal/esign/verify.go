package esign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
)

var ErrInvalidSignature = errors.New("esign: invalid webhook signature")

// WebhookEvent is the provider notification body. It only names the
// envelope; the envelope itself is always re-fetched.
type WebhookEvent struct {
	ID         string `json:"id"`
	Type       string `json:"event_type"`
	EnvelopeID string `json:"envelope_id"`
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body and decodes the
// event. The event id falls back to the X-Event-Id header.
func VerifyWebhook(headers http.Header, body []byte, secret string) (WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return WebhookEvent{}, errors.New("esign: webhook secret is empty")
	}
	provided, err := hex.DecodeString(strings.TrimSpace(headers.Get(SignatureHeader)))
	if err != nil || len(provided) == 0 {
		return WebhookEvent{}, ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return WebhookEvent{}, ErrInvalidSignature
	}
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookEvent{}, err
	}
	if evt.ID == "" {
		evt.ID = strings.TrimSpace(headers.Get(EventIDHeader))
	}
	return evt, nil
}

// SignWebhook produces the header value for body. Used by tests and local
// tooling that replays provider events.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
