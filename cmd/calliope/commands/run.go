package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/engine"
)

// RunCmd represents the run command - inline scene execution
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a scene inline",
	Long: `Execute a scene template inline and stream the answer to stdout.

This is the interactive path: the template is resolved, executed against
the configured model, and model output is printed as it arrives. Tool
loop executions print the settled answer once the loop completes.

Examples:
  calliope run --scene summary --team t1 --model gpt-main
  calliope run --scene report --team t1 --model gpt-main \
      --convo session-42 --bag topic=latency`,
	RunE: runInline,
}

func init() {
	RunCmd.Flags().String("scene", "", "Scene template identifier (required)")
	RunCmd.Flags().String("team", "", "Team scope identifier (required)")
	RunCmd.Flags().String("tenant", "", "Tenant identifier for tenant-scoped placeholders")
	RunCmd.Flags().String("convo", "", "Conversation identifier for history continuity")
	RunCmd.Flags().String("model", "", "Model configuration identifier (required)")
	RunCmd.Flags().String("tool-binding", "", "Tool server binding identifier")
	RunCmd.Flags().StringSlice("allow", nil, "Allowed tool name (repeatable)")
	RunCmd.Flags().StringSlice("bag", nil, "Caller-supplied value as key=value (repeatable)")
	RunCmd.MarkFlagRequired("scene")
	RunCmd.MarkFlagRequired("team")
	RunCmd.MarkFlagRequired("model")
}

func runInline(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	scene, _ := cmd.Flags().GetString("scene")
	team, _ := cmd.Flags().GetString("team")
	tenant, _ := cmd.Flags().GetString("tenant")
	convoID, _ := cmd.Flags().GetString("convo")
	model, _ := cmd.Flags().GetString("model")
	toolBinding, _ := cmd.Flags().GetString("tool-binding")
	allowed, _ := cmd.Flags().GetStringSlice("allow")
	bagPairs, _ := cmd.Flags().GetStringSlice("bag")

	bag, err := parseBag(bagPairs)
	if err != nil {
		return err
	}

	_, err = app.engine.Execute(cmd.Context(), engine.Request{
		SceneID:       scene,
		TeamID:        team,
		TenantID:      tenant,
		ConvoID:       convoID,
		Bag:           bag,
		ModelConfigID: model,
		ToolBindingID: toolBinding,
		AllowedTools:  allowed,
		OnChunk: func(chunk string) {
			fmt.Print(chunk)
		},
	})
	if err != nil {
		return err
	}
	fmt.Println()
	return nil
}
