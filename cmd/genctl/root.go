package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genstudio/internal/bootstrap"
	"genstudio/internal/infra"
)

var (
	verbose bool
	timeout time.Duration
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genctl",
		Short: "genctl administers accounts, credits and generation jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall deadline for the command")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newCreditsCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newProviderCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the genctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "genctl: %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "gitCommit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "goVersion: %s\n", runtime.Version())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, pool *pgxpool.Pool, _ *infra.SQLRunner, logger zerolog.Logger) error {
				if err := infra.Migrate(ctx, pool, logger); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func cliLogger(cfg *infra.Config) zerolog.Logger {
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "genctl").Logger()
	if !verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}
	return logger
}

func loadConfig() (*infra.Config, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.StoreBackend != "postgres" {
		return nil, errors.New("genctl requires STORE_BACKEND=postgres")
	}
	return cfg, nil
}

// withServices runs fn against the fully wired application.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *bootstrap.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	svc, err := bootstrap.Build(ctx, cfg, cliLogger(cfg), "genctl")
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())
	if err := fn(ctx, svc); err != nil {
		return err
	}
	return svc.Promoter.Wait(ctx)
}

// withDB runs fn with only a database connection, for commands that must
// work before the provider or queue is configured.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, pool *pgxpool.Pool, runner *infra.SQLRunner, logger zerolog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	logger := cliLogger(cfg)
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, infra.NewSQLRunner(pool, logger), logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
