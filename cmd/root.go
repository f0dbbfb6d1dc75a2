// Package cmd defines the coin-ingest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/coin-ingest/internal/app"
	"github.com/JakeFAU/coin-ingest/internal/config"
	"github.com/JakeFAU/coin-ingest/internal/etl"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests inject a
// mock through the factory passed to newRootCmd.
type App interface {
	RunOnce(ctx context.Context) (etl.CycleSummary, error)
	Serve(ctx context.Context, interval time.Duration) error
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// appFactory builds the application from a validated config.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

func buildApp(ctx context.Context, cfg config.Config) (App, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type cliState struct {
	cfgFile string
	cfg     config.Config
}

func newRootCmd(factory appFactory) *cobra.Command {
	state := &cliState{}
	cmd := &cobra.Command{
		Use:           "coin-ingest",
		Short:         "Incremental cryptocurrency market data ingestion.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `coin-ingest pulls market quotes from CoinPaprika, CoinGecko and local CSV
drops, lands the raw records, normalizes them into one quote table and
advances a per-source watermark only when a run commits.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(state.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			state.cfg = cfg
			appInstance, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			return appInstance.Close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (defaults plus INGEST_* environment when empty)")
	cmd.AddCommand(newRunCmd(), newServeCmd(state), newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "coin-ingest:", err)
		os.Exit(1)
	}
}
