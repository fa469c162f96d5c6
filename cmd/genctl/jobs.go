package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"genstudio/internal/bootstrap"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair generation jobs",
	}
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsResumeCmd())
	cmd.AddCommand(newJobsPromoteCmd())
	cmd.AddCommand(newJobsRequeueCmd())
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "show JOB_ID",
		Short:        "Print a job record as JSON",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				job, err := svc.Jobs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newJobsResumeCmd() *cobra.Command {
	var correlationID string
	cmd := &cobra.Command{
		Use:          "resume",
		Short:        "Re-attach to a provider request and finish its job",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				job, err := svc.Dispatcher.Resume(ctx, correlationID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s\n", job.ID, job.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Provider request ID")
	_ = cmd.MarkFlagRequired("correlation-id")
	return cmd
}

func newJobsPromoteCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "promote [JOB_ID]",
		Short:        "Copy completed results into durable storage",
		Long:         "Promote one job, or with no argument every completed job still missing a durable copy.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				if len(args) == 1 {
					if err := svc.PromoteJob(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "job %s promoted\n", args[0])
					return nil
				}
				n, err := svc.Promoter.PromotePending(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "promoted %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to promote")
	return cmd
}

func newJobsRequeueCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:          "requeue",
		Short:        "Re-enqueue pending or processing jobs that stopped making progress",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc *bootstrap.Services) error {
				n, err := svc.Dispatcher.RequeueStale(ctx, olderThan, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "Minimum time since the job was last updated")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs per state")
	return cmd
}
