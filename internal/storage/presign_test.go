package storage

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPresigner("https://files.test/", "k", 10*time.Minute)
	p.Now = func() time.Time { return now }

	key := ObjectKey("ag_1", "doc_1", "../w2 form.pdf")
	if !strings.HasPrefix(key, "agreements/ag_1/documents/doc_1/") || !strings.HasSuffix(key, "-w2 form.pdf") {
		t.Fatalf("ObjectKey() = %q", key)
	}
	raw, expires := p.Sign(MethodPut, key)
	if !expires.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expires = %v", expires)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Verify(MethodPut, key, u.Query()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := p.Verify(MethodGet, key, u.Query()); !errors.Is(err, ErrSignature) {
		t.Fatalf("method mismatch should fail, got %v", err)
	}
	if err := p.Verify(MethodPut, key+"x", u.Query()); !errors.Is(err, ErrSignature) {
		t.Fatalf("key mismatch should fail, got %v", err)
	}
	p.Now = func() time.Time { return now.Add(11 * time.Minute) }
	if err := p.Verify(MethodPut, key, u.Query()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
