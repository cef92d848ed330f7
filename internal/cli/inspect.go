package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opentalon/relay/internal/engine"
	"github.com/opentalon/relay/internal/selector"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print what it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// Building the engine also compiles edge transforms and filters.
			e, err := engine.New(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop() }()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config ok")
			fmt.Fprintf(out, "  services:     %d\n", len(e.Services()))
			fmt.Fprintf(out, "  capabilities: %d\n", len(e.Capabilities()))
			fmt.Fprintf(out, "  dataflows:    %d\n", len(e.Edges()))
			fmt.Fprintf(out, "  workflows:    %d\n", len(e.Workflows()))
			if cfg.History.Driver != "" {
				fmt.Fprintf(out, "  history:      %s\n", cfg.History.Driver)
			}
			return nil
		},
	}
}

func newSelectCmd(opts *rootOptions) *cobra.Command {
	var task selector.Task
	var taskType, priority string
	cmd := &cobra.Command{
		Use:   "select [description]",
		Short: "Score the configured capabilities for a task and print the choice",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			e, err := engine.New(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop() }()

			if len(args) == 1 {
				task.Description = args[0]
			}
			task.Type = selector.TaskType(taskType)
			task.Priority = selector.Priority(priority)
			sel, err := e.Select(task)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sel)
		},
	}
	f := cmd.Flags()
	f.StringVar(&taskType, "type", "", "task type; classified from the description when empty")
	f.StringVar(&priority, "priority", string(selector.PriorityNormal), "low, normal, high or critical")
	f.IntVar(&task.ExpectedSize, "size", 0, "expected payload size")
	f.BoolVar(&task.Multimodal, "multimodal", false, "task needs multimodal input")
	f.BoolVar(&task.Preferences.CostSensitive, "cost-sensitive", false, "prefer cheaper capabilities")
	f.BoolVar(&task.Preferences.QualityFirst, "quality-first", false, "prefer higher quality capabilities")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
