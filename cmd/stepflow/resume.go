package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/state"
)

type resumeFlags struct {
	checkpoint string
	// latest is never read; it is the default mode.
	latest    bool
	lastPhase bool
}

func newResumeCommand(root *rootFlags) *cobra.Command {
	flags := &resumeFlags{}
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Restore an execution from a checkpoint",
		Long: `Restore an execution so its remaining phases can run again. Phases after
the restored phase are reset to pending. Follow up with
"stepflow run --execution <id> <workflow>" to drive the next phase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.holdExecution(cmd.Context(), args[0]); err != nil {
				return err
			}

			var st *state.ExecutionState
			switch {
			case flags.checkpoint != "":
				cp, err := a.store.LoadCheckpoint(cmd.Context(), flags.checkpoint)
				if err != nil {
					return err
				}
				if cp.ExecutionID != args[0] {
					return fmt.Errorf("checkpoint %s belongs to execution %s", cp.ID, cp.ExecutionID)
				}
				st, err = a.checkpoints.ResumeFromCheckpoint(cmd.Context(), cp.ID)
				if err != nil {
					return err
				}
			case flags.lastPhase:
				st, err = a.checkpoints.ResumeFromLastCompletedPhase(cmd.Context(), args[0])
			default:
				// --latest selects this branch too; the flag exists for the exclusivity check
				st, err = a.checkpoints.ResumeLatest(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "checkpoint id to restore")
	cmd.Flags().BoolVar(&flags.latest, "latest", false, "restore the newest checkpoint (default)")
	cmd.Flags().BoolVar(&flags.lastPhase, "last-phase", false, "restore at the last completed phase")
	cmd.MarkFlagsMutuallyExclusive("checkpoint", "latest", "last-phase")
	return cmd
}
