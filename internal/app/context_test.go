package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"ariex/internal/config"
	"ariex/internal/domain"
	"ariex/internal/engine"
	"ariex/internal/engine/auth"
)

func TestResolveConfigOverlaysEnvironment(t *testing.T) {
	t.Setenv("ARIEX_AUTH_JWT_SECRET", "from-env")
	t.Setenv("ARIEX_PAYMENTS_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("ARIEX_AUTH_DEV_LOGIN", "true")

	cfg, err := ResolveConfig(t.TempDir(), NewViper())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" || cfg.Payments.WebhookSecret != "whsec_env" {
		t.Fatalf("secrets not applied: %+v %+v", cfg.Auth, cfg.Payments)
	}
	if !cfg.Auth.DevLogin {
		t.Fatalf("dev login flag not applied")
	}
}

func TestResolveConfigPrefersFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	data := strings.Replace(config.GenerateDefault(), "currency: USD", "currency: EUR", 1)
	if err := os.WriteFile(config.Path(dir), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	got, err := ResolveConfig(dir, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Payments.Currency != "EUR" {
		t.Fatalf("expected file currency, got %s", got.Payments.Currency)
	}
}

func TestOpenMigratesWorkspace(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), dir, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	u, err := rt.Engine.CreateUser(context.Background(), engine.UserCreateOptions{Email: "a@example.com", Role: domain.RoleClient}, auth.System("test"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := rt.Engine.Repo.GetUser(context.Background(), nil, u.ID); err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	again, err := Open(context.Background(), dir, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}
