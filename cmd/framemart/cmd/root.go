// Package cmd implements the CLI commands for framemart.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/framemart/framemart/internal/config"
	"github.com/framemart/framemart/internal/observability"
	"github.com/framemart/framemart/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "framemart",
	Short:   "Video-to-commerce frame processing service",
	Version: version.Short(),
	Long: `framemart turns short product videos into curated commercial imagery.

It downloads a video, samples and perceptually scores frames, classifies
them into product variants, removes backgrounds, synthesizes commercial
versions, and uploads the results. Jobs run through a durable queue
consumed by the worker command, or one-shot through the run command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/framemart, $HOME/.framemart)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig loads configuration and applies explicit CLI flag overrides.
// Flags are not bound to viper so the priority stays flag > env > file >
// default; a bound flag's default value would shadow env and file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

// initLogging builds the redacting logger and installs it as the
// process default.
func initLogging(cfg *config.Config) {
	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
}

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", ee.Error())
		return ee.Code
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err.Error())
	return 1
}
