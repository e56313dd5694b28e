package main

import (
	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/state"
)

func newCheckpointsCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <execution-id>",
		Short: "List an execution's checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			cps, err := a.checkpoints.ListCheckpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cps)
		},
	}
}

func newArtifactsCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect registered artifacts",
	}
	var typ string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the current version of every artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			items, err := a.artifacts.ListArtifacts(cmd.Context(), state.ArtifactType(typ))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().StringVar(&typ, "type", "", "only list artifacts of this type")

	verify := &cobra.Command{
		Use:   "verify <artifact-id>",
		Short: "Check an artifact version against the file on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.artifacts.VerifyArtifact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	history := &cobra.Command{
		Use:   "history <path>",
		Short: "Show every version of the artifact at path, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			versions, err := a.artifacts.GetVersionHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), versions)
		},
	}
	cmd.AddCommand(list, verify, history)
	return cmd
}

func newDecisionsCommand(root *rootFlags) *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "decisions <execution-id>",
		Short: "List an execution's decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			list := a.decisions.List
			if pending {
				list = a.decisions.Pending
			}
			recs, err := list(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []state.DecisionRecord{}
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only decisions awaiting approval")
	return cmd
}
