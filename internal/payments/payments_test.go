package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"499", "USD", 49900, false},
		{"499.99", "usd", 49999, false},
		{"0.1", "EUR", 10, false},
		{"1000", "JPY", 1000, false},
		{"10.5", "JPY", 0, true},
		{"1.001", "USD", 0, true},
		{"0", "USD", 0, true},
		{"-5", "USD", 0, true},
	}
	for _, c := range cases {
		got, err := MinorUnits(decimal.RequireFromString(c.amount), c.currency)
		if (err != nil) != c.wantErr {
			t.Fatalf("MinorUnits(%s %s) err = %v", c.amount, c.currency, err)
		}
		if got != c.want {
			t.Fatalf("MinorUnits(%s %s) = %d, want %d", c.amount, c.currency, got, c.want)
		}
	}
}

func TestStripeCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "49900" {
			t.Errorf("unit_amount = %q", got)
		}
		if got := r.PostForm.Get("metadata[charge_id]"); got != "ch_1" {
			t.Errorf("metadata charge_id = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "ch_1:2" {
			t.Errorf("idempotency key = %q", got)
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.test/cs_1"}`))
	}))
	defer srv.Close()

	req := CheckoutRequest{
		ChargeID: "ch_1", AgreementID: "ag_1", Description: "Agreement",
		Amount: decimal.NewFromInt(499), Currency: "USD",
		SuccessURL: "https://app/ok", CancelURL: "https://app/cancel", Attempt: 2,
	}
	sess, err := NewStripeClient(srv.URL, "sk_test", time.Second).CreateCheckoutSession(context.Background(), req)
	if err != nil || sess.ID != "cs_1" {
		t.Fatalf("CreateCheckoutSession() = %+v, %v", sess, err)
	}

	_, err = NewStripeClient(srv.URL, "wrong", time.Second).CreateCheckoutSession(context.Background(), req)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Invalid API Key" || apiErr.StatusCode != 401 {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestVerifyStripeSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","client_reference_id":"ch_1","metadata":{"charge_id":"ch_1"}}}}`)
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set(StripeSignatureHeader, SignStripePayload(body, "whsec", now))

	evt, err := VerifyStripeSignature(h, body, "whsec", 5*time.Minute, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if evt.Type != EventCheckoutCompleted || evt.ChargeID() != "ch_1" || evt.Data.Object.ID != "cs_1" {
		t.Fatalf("unexpected event %+v", evt)
	}

	if _, err := VerifyStripeSignature(h, body, "other", 5*time.Minute, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for wrong secret, got %v", err)
	}
	if _, err := VerifyStripeSignature(h, body, "whsec", 5*time.Minute, now.Add(time.Hour)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected tolerance failure, got %v", err)
	}
	tampered := append([]byte(nil), body...)
	tampered[10] = 'X'
	if _, err := VerifyStripeSignature(h, tampered, "whsec", 0, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for tampered body, got %v", err)
	}
	if _, err := VerifyStripeSignature(http.Header{}, body, "whsec", 0, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected missing header failure, got %v", err)
	}
}

func TestEventChargeIDFallsBackToReference(t *testing.T) {
	var evt Event
	evt.Data.Object.ClientReferenceID = "ch_9"
	if evt.ChargeID() != "ch_9" {
		t.Fatalf("ChargeID() = %q", evt.ChargeID())
	}
}
