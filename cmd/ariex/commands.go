package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ariex/internal/domain"
	"ariex/internal/engine"
	"ariex/internal/engine/auth"
	"ariex/internal/repo"
)

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				u, err := e.CreateUser(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleClient, "strategist|client|compliance")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Principal) error {
				users, err := e.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func agreementCmd() *cobra.Command {
	agr := &cobra.Command{
		Use:     "agreement",
		Aliases: []string{"agr"},
		Short:   "Manage agreements",
	}
	agr.AddCommand(agreementListCmd())
	agr.AddCommand(agreementShowCmd())
	agr.AddCommand(agreementCreateCmd())
	agr.AddCommand(agreementSendCmd())
	agr.AddCommand(agreementTransitionCmd())
	agr.AddCommand(agreementCancelCmd())
	agr.AddCommand(agreementExportCmd())
	return agr
}

func agreementListCmd() *cobra.Command {
	var opts engine.AgreementListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				items, err := e.ListAgreements(ctx, opts, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Client", "Price", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Status, a.ClientID, a.Price.StringFixed(2) + " " + a.Currency, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show agreement with documents, charge and derived view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				detail, err := e.GetAgreement(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
}

func agreementCreateCmd() *cobra.Command {
	var opts engine.AgreementCreateOptions
	var price string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a DRAFT agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			opts.Price = p
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				a, err := e.CreateAgreement(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client user id")
	cmd.Flags().StringVar(&opts.StrategistID, "strategist", "", "strategist user id (defaults to --as)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&price, "price", "", "price, e.g. 499.00")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO 4217 currency (defaults to payments.currency)")
	cmd.Flags().BoolVar(&opts.DualSigning, "dual", false, "require the strategist to countersign")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func agreementSendCmd() *cobra.Command {
	var strategy bool
	cmd := &cobra.Command{
		Use:   "send <agreement-id>",
		Short: "Send the contract (or strategy) for signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				send := e.SendAgreement
				if strategy {
					send = e.SendStrategy
				}
				res, err := send(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&strategy, "strategy", false, "send the uploaded strategy document instead")
	return cmd
}

func agreementTransitionCmd() *cobra.Command {
	var opts engine.TransitionOptions
	cmd := &cobra.Command{
		Use:   "transition <agreement-id>",
		Short: "Move an agreement along a legal edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				a, err := e.TransitionAgreement(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.To, "to", "", "target status")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the event")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func agreementCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <agreement-id>",
		Short: "Cancel a non-terminal agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				a, err := e.CancelAgreement(ctx, args[0], reason, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func agreementExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <agreement-id>",
		Short: "Export the agreement with its metadata block embedded in the description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				a, err := e.ExportAgreement(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "reconcile <agreement-id>",
		Short: "Pull envelope state from the signature provider and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				res, err := e.ReconcileSignature(ctx, args[0], kind, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s: envelope=%s completed=%t status=%s\n", res.AgreementID, res.Ceremony, res.EnvelopeStatus, res.Completed, res.Status)
				for _, step := range res.Applied {
					fmt.Println("  applied:", step)
				}
				for _, msg := range res.Errors {
					fmt.Println("  error:", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", engine.CeremonyAgreement, "agreement|strategy")
	return cmd
}

func chargeCmd() *cobra.Command {
	chg := &cobra.Command{Use: "charge", Short: "Manage agreement charges"}
	chg.AddCommand(&cobra.Command{
		Use:   "request <agreement-id>",
		Short: "Create the agreement charge and its first payment link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				c, err := e.RequestPayment(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	chg.AddCommand(&cobra.Command{
		Use:   "link <charge-id>",
		Short: "Issue a fresh payment link for a pending charge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				c, err := e.GeneratePaymentLink(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	chg.AddCommand(&cobra.Command{
		Use:   "mark-paid <charge-id>",
		Short: "Record a payment received outside Stripe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				c, err := e.MarkChargePaid(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	return chg
}

func cleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete temporary documents left by abandoned send runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				res, err := e.CleanupOrphans(ctx, olderThan, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("removed %d orphan document(s) created before %s\n", len(res.Documents), res.Cutoff)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default lifecycle.orphan_ttl_minutes)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				secret, key, err := e.CreateAPIKey(ctx, actorID, role, name, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"key": secret, "api_key": key})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&role, "role", "", "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Principal) error {
				items, err := e.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor auth.Principal) error {
				if err := e.DeleteAPIKey(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return keys
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to agreements, todos, documents and charges, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Principal) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Agreement", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.AgreementID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.AgreementID, "agreement", "", "agreement filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}
