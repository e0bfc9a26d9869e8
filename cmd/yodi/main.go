package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagLogFormat string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "yodi",
		Short: "Yodi — resource-constrained device agent",
		Long: `Yodi receives commands over a pub/sub transport, executes them under
resource isolation, and publishes results and diagnostics back.

Run as three cooperating roles, normally launched by the supervisor:
client (owns the transport session), worker (runs commands), and
supervisor (the process tree root).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log output format: text or json")

	root.AddCommand(
		newClientCmd(),
		newWorkerCmd(),
		newSupervisorCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "yodi:", err)
		os.Exit(1)
	}
}
