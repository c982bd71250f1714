package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/procmon"
)

var (
	runCwd     string
	runStdout  string
	runStderr  string
	runStdin   string
	runProcmon string
	runVerbose bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run -- command [args...]",
	Short: "Run a command under a supervised procmon sidecar",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory for the child")
	runCmd.Flags().StringVar(&runStdout, "stdout", "", "file to capture stdout (default: discard)")
	runCmd.Flags().StringVar(&runStderr, "stderr", "", "file to capture stderr (default: discard)")
	runCmd.Flags().StringVar(&runStdin, "stdin", "", "file to feed as stdin (default: none)")
	runCmd.Flags().StringVar(&runProcmon, "procmon", "", "path to a procmon binary (default: re-exec self)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log at debug level")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall deadline for the run (0 = none)")
}

func runRun(cmd *cobra.Command, args []string) error {
	level := logiface.LevelInformational
	if runVerbose {
		level = logiface.LevelDebug
	}
	log := fortelog.NewDefault(os.Stderr, level)

	procmonPath := runProcmon
	var procmonArgs []string
	if procmonPath == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("fortepdu: resolve self path: %w", err)
		}
		procmonPath = self
		procmonArgs = []string{"__fake-procmon"}
	}

	mgr, err := procmon.NewProcessManager(procmon.ManagerConfig{
		ProcmonPath: procmonPath,
		ProcmonArgs: procmonArgs,
	}, log)
	if err != nil {
		return fmt.Errorf("fortepdu: create process manager: %w", err)
	}
	defer mgr.Shutdown()

	ctx := cmd.Context()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	pf, err := mgr.CreateProcessFuture(ctx)
	if err != nil {
		return fmt.Errorf("fortepdu: create process future: %w", err)
	}

	commandLine := joinArgsShell(args)
	if err := pf.SetCommand(commandLine, commandLine); err != nil {
		return fmt.Errorf("fortepdu: set command: %w", err)
	}
	if runCwd != "" {
		if err := pf.SetCurrentWorkingDirectory(runCwd); err != nil {
			return fmt.Errorf("fortepdu: set cwd: %w", err)
		}
	}
	if runStdin != "" {
		if err := pf.SetInputFilename(runStdin); err != nil {
			return fmt.Errorf("fortepdu: set stdin: %w", err)
		}
	}
	if runStdout != "" {
		if err := pf.SetOutputFilename(runStdout); err != nil {
			return fmt.Errorf("fortepdu: set stdout: %w", err)
		}
	}
	if runStderr != "" {
		if err := pf.SetErrorFilename(runStderr); err != nil {
			return fmt.Errorf("fortepdu: set stderr: %w", err)
		}
	}

	if err := pf.Run(ctx); err != nil {
		return fmt.Errorf("fortepdu: start: %w", err)
	}

	runErr := pf.GetResult()

	fmt.Fprintf(cmd.OutOrStdout(), "state: %s, monitor pid: %d, process pid: %d\n",
		pf.State(), pf.MonitorPID(), pf.ProcessPID())

	if runStdout != "" {
		if out, err := pf.GetOutputString(); err == nil && out != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "--- stdout ---\n%s", out)
		}
	}
	if runStderr != "" {
		if errOut, err := pf.GetErrorString(); err == nil && errOut != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "--- stderr ---\n%s", errOut)
		}
	}

	return runErr
}

func joinArgsShell(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
