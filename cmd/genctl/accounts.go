package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"genstudio/internal/bootstrap"
	"genstudio/internal/middleware"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage credit accounts",
	}
	cmd.AddCommand(newAccountsCreateCmd())
	return cmd
}

func newAccountsCreateCmd() *cobra.Command {
	var (
		id       string
		email    string
		credits  int
		tokenTTL time.Duration
	)
	cmd := &cobra.Command{
		Use:          "create",
		Short:        "Create an account and print an API token for it",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				account, err := svc.Ledger.EnsureAccount(ctx, id)
				if err != nil {
					return err
				}
				balance := account.Credits
				if credits > 0 {
					res, err := svc.Ledger.Credit(ctx, id, credits, "admin-grant:"+uuid.NewString())
					if err != nil {
						return err
					}
					balance = res.NewBalance
				}
				token, err := middleware.SignJWT(svc.Config.JWTSecret, middleware.NewTokenClaims(id, email, tokenTTL))
				if err != nil {
					return fmt.Errorf("sign token: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "account: %s\n", id)
				fmt.Fprintf(out, "credits: %d\n", balance)
				fmt.Fprintf(out, "token: %s\n", token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Account ID (random when empty)")
	cmd.Flags().StringVar(&email, "email", "", "Email embedded in the token")
	cmd.Flags().IntVar(&credits, "credits", 0, "Initial credits to grant")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 30*24*time.Hour, "Lifetime of the printed token")
	return cmd
}
