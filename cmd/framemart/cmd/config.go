package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing framemart configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

With no config file present this shows the defaults; redirect the
output to create a configuration template:

  framemart config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/framemart, $HOME/.framemart)
  - Environment variables (FRAMEMART_DATABASE_DSN, FRAMEMART_WORKER_COUNT, ...)
  - Command-line flags (for some options)

Environment variables use the FRAMEMART_ prefix and underscores for
nesting. Example: database.dsn -> FRAMEMART_DATABASE_DSN`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// with durations formatted for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# framemart Configuration File")
	fmt.Fprintln(out, "# ============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Values not overridden by a file or environment are defaults.")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides use the FRAMEMART_ prefix:")
	fmt.Fprintln(out, "#   FRAMEMART_DATABASE_DRIVER, FRAMEMART_DATABASE_DSN")
	fmt.Fprintln(out, "#   FRAMEMART_STORAGE_WORK_DIR, FRAMEMART_STORAGE_BLOB_DIR")
	fmt.Fprintln(out, "#   FRAMEMART_WORKER_COUNT, FRAMEMART_LOGGING_LEVEL, etc.")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))

	return nil
}
