package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"genstudio/internal/bootstrap"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant credits",
	}
	cmd.AddCommand(newCreditsGrantCmd())
	cmd.AddCommand(newCreditsBalanceCmd())
	return cmd
}

func newCreditsGrantCmd() *cobra.Command {
	var (
		account string
		amount  int
		ref     string
	)
	cmd := &cobra.Command{
		Use:          "grant",
		Short:        "Grant credits to an account",
		Long:         "Grant credits to an account. Re-running with the same --ref is a no-op.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref == "" {
				ref = "admin-grant:" + uuid.NewString()
			}
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				res, err := svc.Ledger.Credit(ctx, account, amount, ref)
				if err != nil {
					return err
				}
				if res.Duplicate {
					fmt.Fprintf(cmd.OutOrStdout(), "reference %s already applied, balance %d\n", ref, res.NewBalance)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s, balance %d\n", amount, account, res.NewBalance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account ID")
	cmd.Flags().IntVar(&amount, "amount", 0, "Credits to grant")
	cmd.Flags().StringVar(&ref, "ref", "", "Idempotency reference (random when empty)")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCreditsBalanceCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:          "balance",
		Short:        "Print an account's balance",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				balance, err := svc.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account ID")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
