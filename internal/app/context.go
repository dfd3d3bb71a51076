package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"ariex/internal/config"
	"ariex/internal/db"
	"ariex/internal/engine"
	"ariex/internal/esign"
	"ariex/internal/migrate"
	"ariex/internal/payments"
)

// secretKeys are config values that may come from the environment instead
// of the workspace file, e.g. ARIEX_AUTH_JWT_SECRET.
var secretKeys = []string{
	"auth.jwt_secret",
	"signature.api_key",
	"signature.webhook_secret",
	"payments.secret_key",
	"payments.webhook_secret",
	"storage.signing_key",
	"service.public_url",
	"service.addr",
}

// NewViper returns a viper instance reading ARIEX_* variables. Dots and
// dashes in keys map to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ARIEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ResolveConfig loads the workspace config, falling back to defaults when
// no file exists, and overlays any secrets set in the environment.
func ResolveConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		applyOverrides(cfg, v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	targets := map[string]*string{
		"auth.jwt_secret":          &cfg.Auth.JWTSecret,
		"signature.api_key":        &cfg.Signature.APIKey,
		"signature.webhook_secret": &cfg.Signature.WebhookSecret,
		"payments.secret_key":      &cfg.Payments.SecretKey,
		"payments.webhook_secret":  &cfg.Payments.WebhookSecret,
		"storage.signing_key":      &cfg.Storage.SigningKey,
		"service.public_url":       &cfg.Service.PublicURL,
		"service.addr":             &cfg.Service.Addr,
	}
	for _, key := range secretKeys {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			*targets[key] = val
		}
	}
	if v.IsSet("auth.dev_login") {
		cfg.Auth.DevLogin = v.GetBool("auth.dev_login")
	}
}

// Runtime is an opened workspace: its database, config and engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open resolves config, opens and migrates the workspace database and wires
// the engine to the configured signature and payment providers.
func Open(ctx context.Context, workspace string, v *viper.Viper, log *slog.Logger) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Workspace(ctx, workspace, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	signer := esign.NewClient(cfg.Signature.BaseURL, cfg.Signature.APIKey, cfg.SignatureTimeout())
	pay := payments.NewStripeClient(cfg.Payments.BaseURL, cfg.Payments.SecretKey, cfg.PaymentsTimeout())
	e := engine.New(conn, cfg, signer, pay)
	if log != nil {
		e.Log = log
	}
	return &Runtime{Workspace: workspace, DB: conn, Config: cfg, Engine: e}, nil
}
