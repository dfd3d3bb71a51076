package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ariex/internal/domain"
)

// Config models ariex.yml.
type Config struct {
	Service struct {
		PublicURL string `yaml:"public_url"`
		Addr      string `yaml:"addr"`
		LogLevel  string `yaml:"log_level"`
	} `yaml:"service"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		DevLogin        bool   `yaml:"dev_login"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
	Signature SignatureConfig `yaml:"signature"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Storage   StorageConfig   `yaml:"storage"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SignatureConfig struct {
	BaseURL                      string `yaml:"base_url"`
	APIKey                       string `yaml:"api_key"`
	WebhookSecret                string `yaml:"webhook_secret"`
	CeremonyTTLMinutes           int    `yaml:"ceremony_ttl_minutes"`
	CeremonyRefreshMarginMinutes int    `yaml:"ceremony_refresh_margin_minutes"`
	TimeoutSeconds               int    `yaml:"timeout_seconds"`
}

type PaymentsConfig struct {
	BaseURL          string `yaml:"base_url"`
	SecretKey        string `yaml:"secret_key"`
	WebhookSecret    string `yaml:"webhook_secret"`
	Currency         string `yaml:"currency"`
	SuccessPath      string `yaml:"success_path"`
	CancelPath       string `yaml:"cancel_path"`
	ToleranceSeconds int    `yaml:"tolerance_seconds"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

type StorageConfig struct {
	BaseURL       string `yaml:"base_url"`
	SigningKey    string `yaml:"signing_key"`
	URLTTLMinutes int    `yaml:"url_ttl_minutes"`
}

type LifecycleConfig struct {
	DefaultTodos            []DefaultTodo `yaml:"default_todos"`
	OrphanTTLMinutes        int           `yaml:"orphan_ttl_minutes"`
	OrphanSweepSeconds      int           `yaml:"orphan_sweep_interval_seconds"`
	RequireComplianceReview bool          `yaml:"require_compliance_review"`
}

type DefaultTodo struct {
	Title string `yaml:"title"`
	Kind  string `yaml:"kind"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing flag as enabled.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ariex config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.PublicURL != "" {
		if _, err := url.ParseRequestURI(c.Service.PublicURL); err != nil {
			return fmt.Errorf("config.service.public_url is invalid: %w", err)
		}
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must be positive")
	}
	if c.Signature.CeremonyTTLMinutes <= c.Signature.CeremonyRefreshMarginMinutes {
		return fmt.Errorf("config.signature.ceremony_ttl_minutes must exceed ceremony_refresh_margin_minutes")
	}
	if len(c.Payments.Currency) != 3 {
		return fmt.Errorf("config.payments.currency must be an ISO 4217 code")
	}
	for i, t := range c.Lifecycle.DefaultTodos {
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("config.lifecycle.default_todos[%d] has empty title", i)
		}
		switch t.Kind {
		case domain.TodoKindSign, domain.TodoKindPay, domain.TodoKindDocument:
		default:
			return fmt.Errorf("config.lifecycle.default_todos[%d] has unknown kind %q", i, t.Kind)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		for _, required := range []string{domain.RoleStrategist, domain.RoleClient, domain.RoleCompliance, domain.RoleSystem} {
			if _, ok := c.RBAC.Roles[required]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", required)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ariex.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) TokenTTL() time.Duration {
	return minutes(c.Auth.TokenTTLMinutes, 12*60)
}

func (c *Config) CeremonyTTL() time.Duration {
	return minutes(c.Signature.CeremonyTTLMinutes, 5)
}

func (c *Config) CeremonyRefreshMargin() time.Duration {
	return minutes(c.Signature.CeremonyRefreshMarginMinutes, 1)
}

func (c *Config) StorageURLTTL() time.Duration {
	return minutes(c.Storage.URLTTLMinutes, 15)
}

func (c *Config) OrphanTTL() time.Duration {
	return minutes(c.Lifecycle.OrphanTTLMinutes, 60)
}

func (c *Config) OrphanSweepInterval() time.Duration {
	return seconds(c.Lifecycle.OrphanSweepSeconds, 600)
}

func (c *Config) SignatureTimeout() time.Duration {
	return seconds(c.Signature.TimeoutSeconds, 10)
}

func (c *Config) PaymentsTimeout() time.Duration {
	return seconds(c.Payments.TimeoutSeconds, 10)
}

func (c *Config) PaymentsTolerance() time.Duration {
	return seconds(c.Payments.ToleranceSeconds, 300)
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

const defaultTemplate = `service:
  public_url: http://localhost:8080
  addr: 127.0.0.1:8080
  log_level: info

auth:
  dev_login: false
  token_ttl_minutes: 720

signature:
  base_url: https://api.docuseal.com
  ceremony_ttl_minutes: 5
  ceremony_refresh_margin_minutes: 1
  timeout_seconds: 10

payments:
  base_url: https://api.stripe.com
  currency: USD
  success_path: /agreements/{id}?payment=success
  cancel_path: /agreements/{id}?payment=cancelled
  tolerance_seconds: 300
  timeout_seconds: 10

storage:
  base_url: http://localhost:8080/files
  url_ttl_minutes: 15

lifecycle:
  default_todos:
    - title: Sign service agreement
      kind: sign
    - title: Pay
      kind: pay
  orphan_ttl_minutes: 60
  orphan_sweep_interval_seconds: 600
  require_compliance_review: false

rbac:
  roles:
    strategist:
      description: "Tax strategist owning agreements"
      permissions:
        - agreement.create
        - agreement.read
        - agreement.update
        - agreement.send
        - agreement.transition
        - agreement.cancel
        - agreement.reconcile
        - todo.create
        - todo.delete
        - document.read
        - document.review
        - charge.create
        - charge.read
        - charge.link
        - strategy.send
        - ceremony.read
        - user.create
        - user.read
        - events.read
    client:
      description: "Client party of an agreement"
      permissions:
        - agreement.read
        - agreement.reconcile
        - document.read
        - document.upload
        - charge.read
        - ceremony.read
    compliance:
      description: "Compliance reviewer"
      permissions:
        - agreement.read
        - document.read
        - document.review.compliance
        - events.read
    system:
      description: "Backend and provider callbacks"
      permissions:
        - "*"
        - agreement.transition.system
`
