package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ariex/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Lifecycle.DefaultTodos) != 2 || cfg.Lifecycle.DefaultTodos[0].Kind != "sign" || cfg.Lifecycle.DefaultTodos[1].Kind != "pay" {
		t.Fatalf("unexpected default todos: %+v", cfg.Lifecycle.DefaultTodos)
	}
	if cfg.CeremonyTTL() != 5*time.Minute || cfg.CeremonyRefreshMargin() != time.Minute {
		t.Fatalf("unexpected ceremony durations")
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("payments:\n  currency: EUR\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Payments.Currency != "EUR" {
		t.Fatalf("currency not overridden: %s", cfg.Payments.Currency)
	}
	if cfg.Payments.BaseURL == "" || cfg.Signature.CeremonyTTLMinutes != 5 {
		t.Fatalf("defaults lost: %+v", cfg.Payments)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"currency":    "payments:\n  currency: DOLLARS\n",
		"todo kind":   "lifecycle:\n  default_todos:\n    - title: X\n      kind: review\n",
		"ceremony":    "signature:\n  ceremony_ttl_minutes: 1\n  ceremony_refresh_margin_minutes: 2\n",
		"webhook url": "webhooks:\n  - events: [agreement.created]\n",
	}
	for name, raw := range cases {
		if _, err := config.FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "ariex config init") {
		t.Fatalf("expected not found hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ariex.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("load generated: %v", err)
	}
}

func TestWebhookEnabledDefault(t *testing.T) {
	off := false
	if !(config.WebhookConfig{}).IsEnabled() {
		t.Fatalf("missing flag should enable")
	}
	if (config.WebhookConfig{Enabled: &off}).IsEnabled() {
		t.Fatalf("explicit false should disable")
	}
}
