package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/queue"
	"github.com/calliopehq/calliope/store"
)

// EnqueueCmd represents the enqueue command - queue a prompt execution
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a scene execution task",
	Long: `Enqueue a scene execution for background processing.

The task is persisted and published to the durable log in one step; a
running worker pool picks it up, executes it, and records the outcome.

Examples:
  calliope enqueue --scene summary --team t1 --model gpt-main
  calliope enqueue --scene report --team t1 --model gpt-main \
      --tenant acme --bag region=emea --bag quarter=Q3 \
      --notify-kind on_failure --notify-recipient ops@example.com`,
	RunE: runEnqueue,
}

func init() {
	EnqueueCmd.Flags().String("scene", "", "Scene template identifier (required)")
	EnqueueCmd.Flags().String("team", "", "Team scope identifier (required)")
	EnqueueCmd.Flags().String("tenant", "", "Tenant identifier for tenant-scoped placeholders")
	EnqueueCmd.Flags().String("convo", "", "Conversation identifier for history continuity")
	EnqueueCmd.Flags().String("model", "", "Model configuration identifier (required)")
	EnqueueCmd.Flags().String("tool-binding", "", "Tool server binding identifier")
	EnqueueCmd.Flags().StringSlice("allow", nil, "Allowed tool name (repeatable)")
	EnqueueCmd.Flags().StringSlice("bag", nil, "Caller-supplied value as key=value (repeatable)")
	EnqueueCmd.Flags().String("notify-kind", "", "Notification kind: always, on_completion or on_failure")
	EnqueueCmd.Flags().String("notify-recipient", "", "Notification recipient address")
	EnqueueCmd.MarkFlagRequired("scene")
	EnqueueCmd.MarkFlagRequired("team")
	EnqueueCmd.MarkFlagRequired("model")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	scene, _ := cmd.Flags().GetString("scene")
	team, _ := cmd.Flags().GetString("team")
	bagPairs, _ := cmd.Flags().GetStringSlice("bag")

	bag, err := parseBag(bagPairs)
	if err != nil {
		return err
	}

	tenant, _ := cmd.Flags().GetString("tenant")
	convoID, _ := cmd.Flags().GetString("convo")
	model, _ := cmd.Flags().GetString("model")
	toolBinding, _ := cmd.Flags().GetString("tool-binding")
	allowed, _ := cmd.Flags().GetStringSlice("allow")

	payload, err := json.Marshal(queue.RequestPayload{
		TenantID:      tenant,
		ConvoID:       convoID,
		Bag:           bag,
		ModelConfigID: model,
		ToolBindingID: toolBinding,
		AllowedTools:  allowed,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode request payload")
	}

	task := store.NewTask(scene, team, payload)

	if kind, _ := cmd.Flags().GetString("notify-kind"); kind != "" {
		recipient, _ := cmd.Flags().GetString("notify-recipient")
		if recipient == "" {
			return errors.New("--notify-kind requires --notify-recipient")
		}
		notifyCfg, err := json.Marshal(queue.NotificationConfig{Recipient: recipient})
		if err != nil {
			return errors.Wrap(err, "failed to encode notification config")
		}
		task.NotifyKind = kind
		task.NotifyConfig = notifyCfg
	}

	if err := app.queue.Enqueue(cmd.Context(), task); err != nil {
		return err
	}

	fmt.Printf("Enqueued task %s\n", task.ID)
	fmt.Printf("  Scene: %s\n", scene)
	fmt.Printf("  Team: %s\n", team)
	if tenant != "" {
		fmt.Printf("  Tenant: %s\n", tenant)
	}
	return nil
}

// parseBag converts repeated key=value flags into a value bag.
func parseBag(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	bag := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errors.Newf("invalid --bag value %q, expected key=value", pair)
		}
		bag[key] = value
	}
	return bag, nil
}
