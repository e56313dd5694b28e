package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/infra/config"
	"github.com/cordum/stepflow/core/toolrpc"
	"github.com/cordum/stepflow/core/units"
)

func newToolsCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect configured tool processes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <name>",
		Short: "Start a configured tool process and list the tools it serves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(root.configPath)
			if err != nil {
				return err
			}
			var tool *config.ToolConfig
			for i := range cfg.Tools {
				if cfg.Tools[i].Name == args[0] {
					tool = &cfg.Tools[i]
				}
			}
			if tool == nil {
				return fmt.Errorf("no tool named %q in config", args[0])
			}
			unit := units.NewToolUnit(tool.Name, units.ProcessDialer(toolrpc.ProcessConfig{
				Name:    tool.Name,
				Command: tool.Command,
				Args:    tool.Args,
				Env:     tool.Env,
			}))
			if err := unit.Init(cmd.Context()); err != nil {
				return err
			}
			defer func() { warnClose("tool "+tool.Name, unit.Teardown(cmd.Context())) }()
			return printJSON(cmd.OutOrStdout(), unit.Tools())
		},
	})
	return cmd
}
