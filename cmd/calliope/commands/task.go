package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/store"
)

// TaskCmd represents the task command - execution task inspection
var TaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Inspect execution tasks",
	Long: `Inspect execution tasks by id, or show aggregate queue statistics.

Examples:
  calliope task 6b2f0c1e-...   # Show one task as JSON
  calliope task stats          # Show counts by status`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskShow,
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status",
	RunE:  runTaskStats,
}

func init() {
	TaskCmd.AddCommand(taskStatsCmd)
	taskStatsCmd.Flags().String("group", "", "Also show pending log entries for this consumer group")
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	task, err := app.tasks.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	output, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func runTaskStats(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	counts, err := app.tasks.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Task Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	for _, status := range []store.TaskStatus{
		store.TaskStatusPending,
		store.TaskStatusRunning,
		store.TaskStatusCompleted,
		store.TaskStatusFailed,
	} {
		fmt.Printf("%-12s%d\n", status, counts[status])
	}

	if group, _ := cmd.Flags().GetString("group"); group != "" {
		pending, err := app.log.PendingCount(cmd.Context(), group)
		if err != nil {
			return err
		}
		fmt.Printf("\nUndelivered log entries for group %s: %d\n", group, pending)
	}
	return nil
}
