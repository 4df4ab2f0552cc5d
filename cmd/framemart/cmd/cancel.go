package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/worker"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Long: `Cancel a job no worker has picked up yet.

The job moves to cancelled and its credit reservation is refunded.
A job that is already running or finished cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	jobID, err := models.ParseULID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	admission := worker.NewAdmission(worker.AdmissionConfig{
		MaxAttempts:    a.cfg.Worker.MaxAttempts,
		BackoffSeconds: int(a.cfg.Worker.RetryBackoff.Seconds()),
	}, a.jobs, a.ledger, a.logger)

	job, err := admission.Cancel(ctx, jobID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
