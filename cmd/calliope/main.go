package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/cmd/calliope/commands"
	"github.com/calliopehq/calliope/logger"
)

var rootCmd = &cobra.Command{
	Use:   "calliope",
	Short: "Calliope - parameterized prompt execution pipeline",
	Long: `Calliope - multi-tenant parameterized prompt execution.

Calliope resolves scene templates with placeholder data, executes them
against registered model endpoints (plain or tool-calling), and processes
queued executions with durable at-least-once delivery.

Available commands:
  worker  - Run the queue worker pool
  enqueue - Enqueue an execution task
  run     - Execute a scene inline (interactive path)
  task    - Inspect execution tasks
  db      - Manage database operations

Examples:
  calliope worker start                       # Start the worker pool
  calliope enqueue --scene summary --team t1  # Queue an execution
  calliope run --scene summary --team t1      # Execute inline, streamed
  calliope task 6b2f...                       # Show task status
  calliope db migrate                         # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./calliope.toml)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.TaskCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
