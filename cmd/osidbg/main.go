package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "osidbg",
		Short: "Remote breakpoint debugger for Osiris rule stories",
		Long: `osidbg hosts a rule engine instrumented for debugging and serves the
debug protocol to a single client at a time. The client sets breakpoints on
nodes, rule actions and goal sections, and steps through evaluation while the
engine is paused.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCommand(),
		newProbeCommand(),
		newVersionCommand(),
	)
	return root
}
