// Command fortepdu is a tiny demonstration CLI for the procmon package:
// it runs a shell command through a procmon.ProcessManager and prints the
// result. It is a usage example, not part of the wire contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fortepdu",
	Short: "Run commands under a supervised procmon sidecar",
	Long: `fortepdu demonstrates the procmon.ProcessManager client: it spawns a
procmon subprocess, hands it a command line to run via the wire
protocol in procmon/wire.go, and waits for the result.

Without --procmon, fortepdu re-execs itself with a hidden subcommand to
act as its own sidecar, so the demo works without a separately built
procmon binary.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "fortepdu: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveFakeProcmonCmd)
}
