// Package cli implements syncctl, the operator tool for the sync engine.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"fulfillment-sync/config"
	"fulfillment-sync/internal/app"
	"fulfillment-sync/internal/util"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the root syncctl command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Fulfillment sync operator toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			util.SyncLogger()
		},
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newStatusCmd())

	return root
}

// Execute runs the syncctl CLI.
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply order store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is required to migrate")
			}
			cfg.Database.Migrate = true
			return runWithApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile cycle against stale orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWithApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.RunOnce(ctx)
				a.Reconciler.Release(context.WithoutCancel(ctx))
				if err != nil {
					return err
				}
				if !report.Leader {
					fmt.Fprintln(cmd.OutOrStdout(), "another node holds the reconcile lock")
					return nil
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <order_id>",
		Short: "Show the canonical status, tracking and timeline of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			cfg.Database.Migrate = false
			return runWithApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				view, err := a.Sync.GetOrderStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, view)
			})
		},
	}
}

func runWithApp(ctx context.Context, cfg *config.Config, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
