package main

import (
	"github.com/spf13/cobra"

	"github.com/joeycumines/fortepdu/procmon/fakeprocmon"
)

// serveFakeProcmonCmd is the hidden sidecar entrypoint: when fortepdu
// re-execs itself as a procmon stand-in (see runRun), it lands here
// instead of the root command's usual help output. Not meant to be
// invoked directly by a user.
var serveFakeProcmonCmd = &cobra.Command{
	Use:    "__fake-procmon",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fakeprocmon.Main()
		return nil
	},
}
