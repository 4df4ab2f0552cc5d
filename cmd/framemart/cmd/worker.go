package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/framemart/framemart/internal/version"
	"github.com/framemart/framemart/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the job queue consumer",
	Long: `Start the framemart worker daemon.

Workers poll the durable job queue, run each job through its processing
stack, and settle the result: status, stored frames, uploaded images,
credits, and the completion webhook. Maintenance schedules recover
stale locks and prune finished jobs.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("workers", 0, "number of concurrent workers (0 = configured value)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	workerCfg := a.cfg.Worker
	if cmd.Flags().Changed("workers") {
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			workerCfg.Count = n
		}
	}

	runner := worker.NewRunner(workerCfg, a.jobs, a.executor, a.logger)

	a.logger.Info("starting framemart worker",
		slog.String("version", version.Version),
		slog.Int("workers", workerCfg.Count),
		slog.String("database", a.cfg.Database.Driver))

	if err := runner.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	runner.Stop()
	return nil
}
