package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/pipeline/processors"
	"github.com/framemart/framemart/internal/pipeline/stacks"
	"github.com/framemart/framemart/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a stack over one video and exit",
	Long: `Run a single video through a processing stack without the queue.

The video is processed immediately in the foreground. The job result
summary is printed to stdout as JSON.

Exit codes:
  0  success
  1  validation failure
  2  processing failure
  3  cancelled
  4  internal error`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("stack", "", "stack template id (default is the full production stack)")
	runCmd.Flags().String("video", "", "video URL or local file path (required)")
	runCmd.Flags().String("options", "", "JSON file of per-processor option overlays")
	runCmd.Flags().Int("fps", 0, "frame sampling rate, 1-30")
	runCmd.Flags().Int("batch-size", 0, "classification batch size, 1-100")
	runCmd.Flags().Bool("keep-workdir", false, "retain the job working directory")
	runCmd.MarkFlagRequired("video")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	stackID, _ := cmd.Flags().GetString("stack")
	videoURL, _ := cmd.Flags().GetString("video")
	optionsPath, _ := cmd.Flags().GetString("options")
	fps, _ := cmd.Flags().GetInt("fps")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	keepWorkdir, _ := cmd.Flags().GetBool("keep-workdir")

	jobConfig := models.JobConfig{Stack: stackID, FPS: fps, BatchSize: batchSize}
	if optionsPath != "" {
		raw, err := os.ReadFile(optionsPath)
		if err != nil {
			return &ExitError{Code: 1, Err: fmt.Errorf("reading options file: %w", err)}
		}
		if err := json.Unmarshal(raw, &jobConfig.ProcessorOptions); err != nil {
			return &ExitError{Code: 1, Err: fmt.Errorf("parsing options file: %w", err)}
		}
	}

	template, err := stacks.Lookup(stackID)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	a, err := buildApp(ctx)
	if err != nil {
		return &ExitError{Code: 4, Err: err}
	}
	defer a.close()

	jobID := models.NewULID()
	work, err := storage.NewWorkDirs(a.cfg.Storage.WorkDir, jobID.String())
	if err != nil {
		return &ExitError{Code: 4, Err: fmt.Errorf("creating job workspace: %w", err)}
	}

	pctx := &core.Context{
		JobID:       jobID,
		UserID:      "cli",
		Seed:        jobID.String(),
		Work:        work,
		Blobs:       a.blobs,
		Providers:   a.providers,
		Logger:      a.logger.With(slog.String("job_id", jobID.String())),
		Timer:       core.NewTimer(),
		Concurrency: a.concurrency,
		JobConfig:   jobConfig,
	}

	data := core.NewPipelineData()
	data.Video = &core.VideoData{SourceURL: videoURL}

	stackCfg := &core.StackConfig{StrictIOValidation: a.cfg.Pipeline.StrictIOValidation}
	for id, opts := range jobConfig.ProcessorOptions {
		if stackCfg.ProcessorOptions == nil {
			stackCfg.ProcessorOptions = make(map[string]core.Options)
		}
		stackCfg.ProcessorOptions[id] = core.Options(opts)
	}

	progress := func(p core.Progress) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%3.0f%%] step %d/%d %s\n",
			p.Percentage, p.CurrentStep, p.TotalSteps, p.Step)
	}

	data, runErr := a.pipeline.Execute(ctx, template, stackCfg, pctx, data, progress)

	if !keepWorkdir && (runErr == nil || !a.cfg.Storage.RetainSandboxOnFailure) {
		if cerr := work.Cleanup(); cerr != nil {
			a.logger.Warn("workspace cleanup failed", slog.String("error", cerr.Error()))
		}
	}

	if runErr != nil {
		return &ExitError{Code: exitCodeForKind(core.KindOf(runErr)), Err: runErr}
	}

	if raw, ok := data.Extension(processors.ExtJobResult); ok {
		out, err := json.MarshalIndent(raw, "", "  ")
		if err != nil {
			return &ExitError{Code: 4, Err: fmt.Errorf("encoding result: %w", err)}
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}

// exitCodeForKind maps a pipeline failure class to the documented
// process exit code.
func exitCodeForKind(kind core.Kind) int {
	switch kind {
	case core.KindValidation, core.KindPrecondition:
		return 1
	case core.KindProviderTransient, core.KindProviderPermanent, core.KindResource:
		return 2
	case core.KindCancelled:
		return 3
	default:
		return 4
	}
}
