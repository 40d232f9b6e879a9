package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/jobpipeline/internal/app"
	"github.com/nikhilbhutani/jobpipeline/internal/auth"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/nikhilbhutani/jobpipeline/internal/retention"
)

func newMaintenanceCommands(ctx *commandContext) []*cobra.Command {
	pass := func(use, short string, run func(*retention.Sweeper, context.Context) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ctx.withSweeper(cmd.Context(), func(s *retention.Sweeper) error {
					if err := run(s, cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: done\n", use)
					return nil
				})
			},
		}
	}
	return []*cobra.Command{
		pass("sweep", "Remove expired temp files and abandoned uploads, and schedule deletion of expired audio jobs", (*retention.Sweeper).Sweep),
		pass("reclaim", "Reset or fail jobs whose worker stopped heartbeating", (*retention.Sweeper).Reclaim),
		pass("requeue", "Re-enqueue pending jobs that were never picked up", (*retention.Sweeper).Requeue),
		pass("redrive-deletions", "Re-run deletions whose last job failed", (*retention.Sweeper).RedriveDeletions),
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job counts by status, or one job's state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id uuid.UUID
			if len(args) == 1 {
				var err error
				if id, err = uuid.Parse(args[0]); err != nil {
					return fmt.Errorf("invalid job id %q", args[0])
				}
			}
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				if id != uuid.Nil {
					job, err := svc.Jobs.Get(cmd.Context(), id)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
					return nil
				}
				counts, err := svc.Jobs.StatusCounts(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatusCounts(counts))
				return nil
			})
		},
	}
}

func renderJob(job *models.Job) string {
	rows := [][]string{
		{"id", job.ID.String()},
		{"type", string(job.Type)},
		{"status", string(job.Status)},
		{"user", job.UserID.String()},
		{"attempts", strconv.Itoa(job.Attempts)},
		{"created", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"updated", job.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	if job.Deleted {
		rows = append(rows, []string{"deleted", "yes"})
	}
	if job.Result != "" {
		rows = append(rows, []string{"result", job.Result})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
}

func renderStatusCounts(counts map[models.JobStatus]int) string {
	statuses := []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	}
	rows := make([][]string, 0, len(statuses)+1)
	total := 0
	for _, s := range statuses {
		rows = append(rows, []string{string(s), strconv.Itoa(counts[s])})
		total += counts[s]
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})
	return renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "retry <job-id>",
		Aliases: []string{"retry-failed"},
		Short:   "Start a new job with a failed job's payload",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withServices(cmd.Context(), func(svc *app.Services) error {
				job, err := svc.Jobs.RetryFailed(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := svc.Queue.EnqueueJob(cmd.Context(), job); err != nil {
					return fmt.Errorf("job %s created but not enqueued: %w", job.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retrying %s as %s\n", id, job.ID)
				return nil
			})
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Connecting applies migrations.
			return ctx.withServices(cmd.Context(), func(*app.Services) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := auth.Sign(cfg.Auth.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
