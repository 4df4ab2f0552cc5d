package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/worker"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a job for the worker pool",
	Long: `Validate a job request, reserve credits, and enqueue it.

The job is picked up by a running worker daemon. Submitting the same
user and video again while the first job is still open returns the
open job instead of creating a duplicate.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().String("user", "", "owning user id (required)")
	submitCmd.Flags().String("video", "", "video URL or local file path (required)")
	submitCmd.Flags().String("stack", "", "stack template id (default is the full production stack)")
	submitCmd.Flags().String("callback", "", "webhook URL notified on completion")
	submitCmd.Flags().String("options", "", "JSON file of per-processor option overlays")
	submitCmd.Flags().Int("fps", 0, "frame sampling rate, 1-30")
	submitCmd.Flags().Int("batch-size", 0, "classification batch size, 1-100")
	submitCmd.MarkFlagRequired("user")
	submitCmd.MarkFlagRequired("video")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	userID, _ := cmd.Flags().GetString("user")
	videoURL, _ := cmd.Flags().GetString("video")
	stackID, _ := cmd.Flags().GetString("stack")
	callbackURL, _ := cmd.Flags().GetString("callback")
	optionsPath, _ := cmd.Flags().GetString("options")
	fps, _ := cmd.Flags().GetInt("fps")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	jobConfig := models.JobConfig{Stack: stackID, FPS: fps, BatchSize: batchSize}
	if optionsPath != "" {
		raw, err := os.ReadFile(optionsPath)
		if err != nil {
			return fmt.Errorf("reading options file: %w", err)
		}
		if err := json.Unmarshal(raw, &jobConfig.ProcessorOptions); err != nil {
			return fmt.Errorf("parsing options file: %w", err)
		}
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

	job, err := admission.Submit(ctx, worker.SubmitRequest{
		UserID:      userID,
		VideoURL:    videoURL,
		Config:      jobConfig,
		CallbackURL: callbackURL,
	})
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
