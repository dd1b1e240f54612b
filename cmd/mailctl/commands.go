package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mail-scheduler/internal/models"
	"mail-scheduler/internal/queue"
	"mail-scheduler/internal/ratelimit"
	"mail-scheduler/internal/store"
)

type recordStore interface {
	GetRecord(ctx context.Context, id string) (models.EmailRecord, error)
	ListRecords(ctx context.Context, f store.ListFilter) ([]models.EmailRecord, error)
	ResetFailed(ctx context.Context, id string, scheduledAt time.Time) error
}

type jobQueue interface {
	Submit(ctx context.Context, jobID string, payload models.JobPayload, delay time.Duration) (bool, error)
	FailedPeek(ctx context.Context, count int64) ([]queue.FailedJob, error)
}

type sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

type senderBudget interface {
	Limit() int
	Used(ctx context.Context, sender string) (int, error)
}

var errNotFailed = errors.New("only failed emails can be resubmitted")

func newRootCmd(st recordStore, q jobQueue, sw sweeper, budget senderBudget) *cobra.Command {
	root := &cobra.Command{
		Use:          "mailctl",
		Short:        "Operate the email scheduler",
		SilenceUsage: true,
	}
	root.AddCommand(listCmd(st))
	root.AddCommand(failedCmd(q))
	root.AddCommand(resubmitCmd(st, q))
	root.AddCommand(reconcileCmd(sw))
	root.AddCommand(budgetCmd(budget))
	return root
}

func listCmd(st recordStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled emails, latest due first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f store.ListFilter
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				status, ok := models.ParseStatus(s)
				if !ok {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Status = &status
			}
			f.Limit, _ = cmd.Flags().GetInt("limit")
			f.Offset, _ = cmd.Flags().GetInt("offset")

			records, err := st.ListRecords(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("failed to list emails: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No emails found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSENDER\tRECIPIENT\tSTATUS\tSCHEDULED\tERROR")
			for _, r := range records {
				errText := ""
				if r.Error != nil {
					errText = *r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Sender, r.Recipient, r.Status, r.ScheduledAt.UTC().Format(time.RFC3339), errText)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "Filter by status (scheduled, sent, failed, rate_limited)")
	cmd.Flags().Int("limit", 100, "Maximum number of emails to show")
	cmd.Flags().Int("offset", 0, "Number of emails to skip")
	return cmd
}

func failedCmd(q jobQueue) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Show the most recent failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			jobs, err := q.FailedPeek(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to read failed jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No failed jobs.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFAILED AT\tREASON")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", j.ID, j.FailedAt.Format(time.RFC3339), j.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64("limit", 20, "Number of entries to show")
	return cmd
}

func resubmitCmd(st recordStore, q jobQueue) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit [email-id]",
		Short: "Send a failed email again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := resubmit(cmd.Context(), st, q, id, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Email %s moved back to 'scheduled'.\n", id)
			return nil
		},
	}
}

// resubmit re-arms a failed record as due now and submits a fresh job for it.
func resubmit(ctx context.Context, st recordStore, q jobQueue, id string, now time.Time) error {
	rec, err := st.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusFailed {
		return fmt.Errorf("email %s is %s: %w", id, rec.Status, errNotFailed)
	}
	if err := st.ResetFailed(ctx, id, now); err != nil {
		return err
	}
	if _, err := q.Submit(ctx, id, models.PayloadFor(rec), 0); err != nil {
		return fmt.Errorf("submit job for %s: %w", id, err)
	}
	return nil
}

func reconcileCmd(sw sweeper) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resubmit jobs for past-due emails that have none",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sw.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resubmitted %d email(s).\n", n)
			return nil
		},
	}
}

func budgetCmd(budget senderBudget) *cobra.Command {
	return &cobra.Command{
		Use:   "budget [sender]",
		Short: "Show how much of the hourly send limit a sender has used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender := args[0]
			used, err := budget.Used(cmd.Context(), sender)
			if err != nil {
				return fmt.Errorf("failed to read budget: %w", err)
			}
			limit := budget.Limit()
			remaining := limit - used
			if remaining < 0 {
				remaining = 0
			}
			reset := ratelimit.NextWindow(time.Now().UTC())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d sent this hour, %d remaining, resets at %s\n",
				sender, used, limit, remaining, reset.Format(time.RFC3339))
			return nil
		},
	}
}
