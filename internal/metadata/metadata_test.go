package metadata_test

import (
	"encoding/json"
	"testing"

	"ariex/internal/domain"
	"ariex/internal/metadata"
)

func TestRoundTrip(t *testing.T) {
	in := domain.SignatureMetadata{EnvelopeID: "env-1", CeremonyURL: "https://sign/x"}
	s, err := metadata.Serialize("Annual tax plan", metadata.Signature, in)
	if err != nil {
		t.Fatal(err)
	}
	text, blocks := metadata.Parse(s)
	if text != "Annual tax plan" {
		t.Fatalf("text = %q", text)
	}
	var out domain.SignatureMetadata
	if err := json.Unmarshal(blocks[metadata.Signature], &out); err != nil {
		t.Fatal(err)
	}
	if out.EnvelopeID != in.EnvelopeID || out.CeremonyURL != in.CeremonyURL {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestMalformedFallsBackToText(t *testing.T) {
	s := "Notes\n\n__SIGNATURE_METADATA__:{not json"
	text, blocks := metadata.Parse(s)
	if text != s || blocks != nil {
		t.Fatalf("expected whole string as text, got %q %v", text, blocks)
	}
	var dst domain.SignatureMetadata
	if metadata.Lookup(s, metadata.Signature, &dst) {
		t.Fatalf("lookup must fail on malformed block")
	}
}

func TestMultipleBlocksLookupIndependently(t *testing.T) {
	s, _ := metadata.Serialize("Plan", metadata.Signature, domain.SignatureMetadata{EnvelopeID: "env-a"})
	s, _ = metadata.Serialize(s, metadata.Strategy, domain.SignatureMetadata{EnvelopeID: "env-s"})

	var sig, strat domain.SignatureMetadata
	if !metadata.Lookup(s, "signature", &sig) || sig.EnvelopeID != "env-a" {
		t.Fatalf("signature block: %+v", sig)
	}
	if !metadata.Lookup(s, metadata.Strategy, &strat) || strat.EnvelopeID != "env-s" {
		t.Fatalf("strategy block: %+v", strat)
	}
	if metadata.Strip(s) != "Plan" {
		t.Fatalf("strip = %q", metadata.Strip(s))
	}
}

func TestSentinelOnlyAfterBlankLine(t *testing.T) {
	s := "mentions __SIGNATURE_METADATA__:{} inline"
	if text := metadata.Strip(s); text != s {
		t.Fatalf("inline marker must stay text, got %q", text)
	}
}

func TestPlainTextHasNoBlocks(t *testing.T) {
	text, blocks := metadata.Parse("just words")
	if text != "just words" || len(blocks) != 0 {
		t.Fatalf("unexpected parse: %q %v", text, blocks)
	}
}

func TestSerializeAllOrdersByKind(t *testing.T) {
	got := metadata.SerializeAll("T", map[string]json.RawMessage{
		"STRATEGY":  json.RawMessage(`{"b":1}`),
		"SIGNATURE": json.RawMessage(`{"a":1}`),
	})
	want := "T\n\n__SIGNATURE_METADATA__:{\"a\":1}\n\n__STRATEGY_METADATA__:{\"b\":1}"
	if got != want {
		t.Fatalf("got %q", got)
	}
}
