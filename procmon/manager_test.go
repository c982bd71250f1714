package procmon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/procmon/fakeprocmon"
)

// fakeProcmonMarkerEnv selects fakeprocmon mode in a re-exec of this
// test binary; see TestMain. It must never be set in the outer test
// run itself, only injected into the child's environment.
const fakeProcmonMarkerEnv = "FORTEPDU_TEST_FAKE_PROCMON"

func TestMain(m *testing.M) {
	if os.Getenv(fakeProcmonMarkerEnv) == "1" {
		fakeprocmon.Main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testManagerConfig(t *testing.T) ManagerConfig {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return ManagerConfig{
		ProcmonPath: self,
		ProcmonEnv:  []string{fakeProcmonMarkerEnv + "=1"},
	}
}

func TestProcessManagerRunsACommandEndToEnd(t *testing.T) {
	mgr, err := NewProcessManager(testManagerConfig(t), nil)
	require.NoError(t, err)
	defer mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pf, err := mgr.CreateProcessFuture(ctx)
	require.NoError(t, err)

	outFile := t.TempDir() + "/out.txt"
	require.NoError(t, pf.SetCommand("echo hello-from-child", "echo hello-from-child"))
	require.NoError(t, pf.SetOutputFilename(outFile))

	require.NoError(t, pf.Run(ctx))
	require.NoError(t, pf.GetResultTimed(10*time.Second))
	require.Equal(t, StateExited, pf.State())

	out, err := pf.GetOutputString()
	require.NoError(t, err)
	require.Contains(t, out, "hello-from-child")
}

func TestProcessManagerNonZeroExitIsReportedAsError(t *testing.T) {
	mgr, err := NewProcessManager(testManagerConfig(t), nil)
	require.NoError(t, err)
	defer mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pf, err := mgr.CreateProcessFuture(ctx)
	require.NoError(t, err)
	require.NoError(t, pf.SetCommand("exit 3", "exit 3"))

	require.NoError(t, pf.Run(ctx))
	err = pf.GetResultTimed(10 * time.Second)
	require.ErrorIs(t, err, ErrProcessTerminatedWithNonZeroStatus)
}

func TestProcessManagerStats(t *testing.T) {
	mgr, err := NewProcessManager(testManagerConfig(t), nil)
	require.NoError(t, err)
	defer mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pf, err := mgr.CreateProcessFuture(ctx)
	require.NoError(t, err)
	require.NoError(t, pf.SetCommand("echo hi", "echo hi"))
	require.NoError(t, pf.Run(ctx))
	require.NoError(t, pf.GetResultTimed(10*time.Second))

	stats := mgr.Stats()
	require.Equal(t, uint64(1), stats.Total)
	require.Equal(t, 0, stats.Running)
}
