package esign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientEnvelopeAndCeremony(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "bad key"}})
			return
		}
		w.Header().Set("content-type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/envelopes":
			var in CreateEnvelopeRequest
			_ = json.NewDecoder(r.Body).Decode(&in)
			_ = json.NewEncoder(w).Encode(Envelope{ID: "env_1", Status: StatusSent, Recipients: in.Recipients})
		case r.Method == http.MethodGet && r.URL.Path == "/envelopes/env_1":
			_ = json.NewEncoder(w).Encode(Envelope{ID: "env_1", Status: StatusInProgress, Recipients: []Recipient{
				{ID: "r1", Email: "client@example.com", Status: StatusCompleted},
				{ID: "r2", Email: "strategist@example.com", Status: StatusSent},
			}})
		case r.Method == http.MethodGet && r.URL.Path == "/envelopes":
			if r.URL.Query().Get("q") != "client@example.com" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []Envelope{{ID: "env_1"}, {ID: "env_0"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/envelopes/env_1/ceremony":
			_ = json.NewEncoder(w).Encode(Ceremony{URL: "https://sign.local/c/1", RecipientID: "r1", ExpiresAt: time.Now().Add(5 * time.Minute)})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "envelope not found"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second)
	ctx := context.Background()

	env, err := c.CreateEnvelope(ctx, CreateEnvelopeRequest{Name: "Agreement", Recipients: []Recipient{{Email: "client@example.com"}}})
	if err != nil || env.ID != "env_1" || len(env.Recipients) != 1 {
		t.Fatalf("CreateEnvelope() = %+v, %v", env, err)
	}
	got, err := c.GetEnvelope(ctx, "env_1")
	if err != nil {
		t.Fatalf("GetEnvelope() error: %v", err)
	}
	if got.Completed() {
		t.Fatalf("envelope with one pending signer must not be completed")
	}
	if r, ok := got.RecipientByEmail("CLIENT@example.com"); !ok || r.ID != "r1" {
		t.Fatalf("RecipientByEmail() = %+v %v", r, ok)
	}
	list, err := c.ListEnvelopes(ctx, ListOptions{Query: "client@example.com"})
	if err != nil || len(list) != 2 {
		t.Fatalf("ListEnvelopes() = %v, %v", list, err)
	}
	cer, err := c.CreateCeremony(ctx, "env_1", "r1", "https://app/return")
	if err != nil || cer.URL == "" {
		t.Fatalf("CreateCeremony() = %+v, %v", cer, err)
	}

	_, err = c.GetEnvelope(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "envelope not found" {
		t.Fatalf("expected APIError 404, got %v", err)
	}

	bad := NewClient(srv.URL, "wrong", time.Second)
	_, err = bad.GetEnvelope(ctx, "env_1")
	if !errors.As(err, &apiErr) || apiErr.Message != "bad key" {
		t.Fatalf("expected nested error message, got %v", err)
	}
}

func TestMostRecent(t *testing.T) {
	now := time.Now()
	env, ok := MostRecent([]Envelope{
		{ID: "a", CreatedAt: now.Add(-time.Hour)},
		{ID: "b", CreatedAt: now},
		{ID: "c", CreatedAt: now.Add(-2 * time.Hour)},
	})
	if !ok || env.ID != "b" {
		t.Fatalf("MostRecent() = %v", env.ID)
	}
	if _, ok := MostRecent(nil); ok {
		t.Fatalf("empty list has no most recent")
	}
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"id":"evt_1","event_type":"envelope.completed","envelope_id":"env_1"}`)
	h := http.Header{}
	h.Set(SignatureHeader, SignWebhook(body, "s3cret"))
	evt, err := VerifyWebhook(h, body, "s3cret")
	if err != nil || evt.EnvelopeID != "env_1" || evt.ID != "evt_1" {
		t.Fatalf("VerifyWebhook() = %+v, %v", evt, err)
	}
	if _, err := VerifyWebhook(h, body, "other"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	h.Set(SignatureHeader, "zz")
	if _, err := VerifyWebhook(h, body, "s3cret"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for non-hex header, got %v", err)
	}
}
