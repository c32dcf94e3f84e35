// Command loadtest drives complete permission-grant flows against a
// running relayer and trusted server, simulating many concurrent users,
// and reports success rate and latency percentiles.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"relayd/pkg/logger"
)

func main() {
	root := &cobra.Command{
		Use:           "loadtest",
		Short:         "Load-test driver for the relayer coordination stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logger.Init(level, "text")
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newFundCmd())

	if err := root.Execute(); err != nil {
		logger.Error("loadtest_failed", "error", err)
		os.Exit(1)
	}
}
