package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	StripeSignatureHeader = "Stripe-Signature"

	EventCheckoutCompleted  = "checkout.session.completed"
	EventCheckoutExpired    = "checkout.session.expired"
	EventAsyncPaymentFailed = "checkout.session.async_payment_failed"
)

var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// Event is the subset of a Stripe event the service reads.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			PaymentStatus     string            `json:"payment_status"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ChargeID returns the charge referenced by a checkout event.
func (e Event) ChargeID() string {
	if id := e.Data.Object.Metadata["charge_id"]; id != "" {
		return id
	}
	return e.Data.Object.ClientReferenceID
}

// VerifyStripeSignature checks the v1 scheme: HMAC-SHA256 over
// "<t>.<body>" with the endpoint secret, within tolerance of now.
func VerifyStripeSignature(headers http.Header, body []byte, secret string, tolerance time.Duration, now time.Time) (Event, error) {
	if strings.TrimSpace(secret) == "" {
		return Event{}, errors.New("payments: webhook secret is empty")
	}
	timestamp, signatures := parseStripeSignatureHeader(headers.Values(StripeSignatureHeader))
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 || len(signatures) == 0 {
		return Event{}, ErrInvalidSignature
	}
	expected := stripeMAC(secret, timestamp, body)
	valid := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return Event{}, ErrInvalidSignature
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("payments: decode event: %w", err)
	}
	return evt, nil
}

// SignStripePayload builds a Stripe-Signature header value for body.
func SignStripePayload(body []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(stripeMAC(secret, timestamp, body))
}

func stripeMAC(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func parseStripeSignatureHeader(values []string) (string, []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(joined, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		k, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if k == "t" && t == "" {
			t = val
			continue
		}
		if k == "v1" && val != "" {
			v1 = append(v1, val)
		}
	}
	return t, v1
}
