package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ariex/internal/app"
	"ariex/internal/config"
	"ariex/internal/db"
	"ariex/internal/engine"
	"ariex/internal/engine/auth"
	"ariex/internal/migrate"
	"ariex/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ariex",
	Short: "Ariex agreement service",
	Long: `Ariex runs tax-strategy agreements from draft to completion.
- Agreement: a priced engagement between a strategist and a client; its status only moves along legal edges.
- Signature: contracts and strategy documents are signed through the e-sign provider; reconcile pulls envelope state and applies it.
- Payment: one charge per agreement, paid through Stripe Checkout; the webhook moves the agreement on.
- Todos: document requests the client fulfils and the strategist or compliance accepts before strategy work starts.
- Event log: every change is recorded; view it with 'ariex log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ARIEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "act as this user id (default: system)")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, viper.GetViper())
			if err != nil {
				return err
			}
			if logLevel == "" {
				logLevel = cfg.Service.LogLevel
			}
			log := newLogger(logLevel)
			slog.SetDefault(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.Open(ctx, workspace, viper.GetViper(), log)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Config.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required; set it in %s or ARIEX_AUTH_JWT_SECRET", config.Path(workspace))
			}
			if addr == "" {
				addr = rt.Config.Service.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Logger:   log,
				Auth: server.AuthConfig{
					JWTSecret: rt.Config.Auth.JWTSecret,
					TokenTTL:  rt.Config.TokenTTL(),
					DevLogin:  rt.Config.Auth.DevLogin,
					Logger:    log,
				},
			})
			if err != nil {
				return err
			}
			server.StartBackground(ctx, rt.Engine, log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving ariex API", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "dev_login", rt.Config.Auth.DevLogin)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default service.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (default service.log_level)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations under the workspace lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := migrate.Workspace(ctx, workspace, conn); err != nil {
				return err
			}
			version, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"db": db.Path(workspace), "version": version})
			}
			fmt.Printf("%s at schema version %d\n", db.Path(workspace), version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in ariex.yml at the workspace root. Secrets may be supplied as ARIEX_* environment variables instead.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show resolved config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetViper())
			if err != nil {
				return err
			}
			return printJSONOrTable(redacted(*cfg))
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetViper())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default ariex.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func redacted(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&cfg.Auth.JWTSecret)
	mask(&cfg.Signature.APIKey)
	mask(&cfg.Signature.WebhookSecret)
	mask(&cfg.Payments.SecretKey)
	mask(&cfg.Payments.WebhookSecret)
	mask(&cfg.Storage.SigningKey)
	hooks := make([]config.WebhookConfig, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		mask(&w.Secret)
		hooks[i] = w
	}
	cfg.Webhooks = hooks
	return cfg
}

// --- helpers ---

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rt, err := app.Open(ctx, viper.GetString("workspace"), viper.GetViper(), log)
	if err != nil {
		return err
	}
	defer rt.Close()
	actor, err := cliPrincipal(ctx, rt.Engine)
	if err != nil {
		return err
	}
	return fn(ctx, rt.Engine, actor)
}

// cliPrincipal acts as the system unless --as names a user.
func cliPrincipal(ctx context.Context, e engine.Engine) (auth.Principal, error) {
	id := strings.TrimSpace(viper.GetString("as"))
	if id == "" {
		return auth.System("cli"), nil
	}
	u, err := e.GetUser(ctx, id)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("--as %s: %w", id, err)
	}
	return auth.Principal{ActorID: u.ID, Role: u.Role, Source: "cli"}, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
