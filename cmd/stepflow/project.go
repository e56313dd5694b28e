package main

import (
	"github.com/spf13/cobra"
)

func newConfigCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the project configuration",
	}
	var description string
	var unitIDs []string
	initCmd := &cobra.Command{
		Use:   "init <project>",
		Short: "Create the project configuration in the state store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg, err := a.projects.Init(cmd.Context(), args[0], description, unitIDs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	initCmd.Flags().StringVar(&description, "description", "", "project description")
	initCmd.Flags().StringSliceVar(&unitIDs, "units", nil, "unit ids the project uses")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the project configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg, err := a.projects.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.AddCommand(initCmd, show)
	return cmd
}
