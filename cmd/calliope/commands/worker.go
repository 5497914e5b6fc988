package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/logger"
	"github.com/calliopehq/calliope/queue"
)

// WorkerCmd represents the worker command - queue worker pool daemon
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the queue worker pool",
	Long: `Worker pool - durable queued prompt execution.

The worker pool provides:
- At-least-once consumption of the durable execution log
- Idempotent task claims (a redelivered entry is never executed twice)
- Per-pool rate limiting of model-call-bearing executions
- Best-effort outcome notifications (email)
- Graceful shutdown (completes in-flight executions before exit)

Example:
  calliope worker start              # Start the pool in foreground
  calliope worker start --workers 3  # Start with 3 concurrent workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// WorkerStartCmd starts the worker pool daemon
var WorkerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker pool",
	Long: `Start the worker pool in foreground mode.

The pool will:
- Consume execution entries from the durable log
- Claim and execute tasks through the execution engine
- Dispatch outcome notifications per task settings
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		poolCfg := queue.DefaultWorkerPoolConfig()
		poolCfg.Workers = app.cfg.Worker.Workers
		poolCfg.Group = app.cfg.Worker.Group
		poolCfg.Block = time.Duration(app.cfg.Worker.BlockSeconds) * time.Second
		poolCfg.RateLimitPerMinute = app.cfg.Worker.RateLimitPerMinute
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			poolCfg.Workers = workers
		}

		fmt.Printf("Starting worker pool with %d worker(s)...\n", poolCfg.Workers)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pool := queue.NewWorkerPool(ctx, app.log, app.tasks, app.convo,
			app.engine, app.notifier, poolCfg, logger.Named("worker"))
		pool.Start()

		fmt.Printf("Worker pool started\n")
		fmt.Printf("  Workers: %d\n", poolCfg.Workers)
		fmt.Printf("  Group: %s\n", poolCfg.Group)
		fmt.Printf("  Block: %v\n", poolCfg.Block)
		if poolCfg.RateLimitPerMinute > 0 {
			fmt.Printf("  Rate limit: %d executions/minute\n", poolCfg.RateLimitPerMinute)
		}
		fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\nShutting down...\n")
		pool.Stop()
		cancel()

		fmt.Printf("Worker pool stopped\n")
		return nil
	},
}

func init() {
	WorkerStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (overrides config)")
	WorkerCmd.AddCommand(WorkerStartCmd)
}
