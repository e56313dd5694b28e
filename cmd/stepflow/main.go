// Command stepflow runs workflow definitions against durable, resumable
// execution state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/infra/buildinfo"
	"github.com/cordum/stepflow/core/infra/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	workspace  string
}

func newRootCommand(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Run workflows with checkpointed, resumable state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (env vars still win)")
	root.PersistentFlags().StringVarP(&flags.workspace, "workspace", "w", ".", "directory artifacts are written under")

	root.AddCommand(
		newRunCommand(flags),
		newResumeCommand(flags),
		newWatchCommand(flags),
		newCheckpointsCommand(flags),
		newArtifactsCommand(flags),
		newDecisionsCommand(flags),
		newToolsCommand(flags),
		newConfigCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), buildinfo.Get())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func warnClose(what string, err error) {
	if err != nil {
		logging.Warn("stepflow", "close failed", "what", what, "error", err)
	}
}
