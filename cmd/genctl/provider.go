package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
)

func newProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage generation provider credentials",
	}
	cmd.AddCommand(newProviderSetKeyCmd())
	return cmd
}

func newProviderSetKeyCmd() *cobra.Command {
	var (
		key   string
		setBy string
	)
	cmd := &cobra.Command{
		Use:          "set-key",
		Short:        "Store the fal.ai API key used when FAL_API_KEY is unset",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("--key is required")
			}
			if setBy == "" {
				setBy = os.Getenv("USER")
			}
			return withDB(cmd, func(ctx context.Context, _ *pgxpool.Pool, runner *infra.SQLRunner, logger zerolog.Logger) error {
				if err := credentials.NewStore(runner).SetFalAPIKey(ctx, key, setBy); err != nil {
					return err
				}
				logger.Info().Str("set_by", setBy).Msg("fal api key updated")
				fmt.Fprintln(cmd.OutOrStdout(), "fal api key stored")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "fal.ai API key")
	cmd.Flags().StringVar(&setBy, "set-by", "", "Operator recorded with the key (defaults to $USER)")
	return cmd
}
