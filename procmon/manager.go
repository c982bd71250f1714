//go:build linux

package procmon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/pdupeer"
)

// DefaultProcmonPath is used when FORTE_PROCMON is unset (spec.md §6).
const DefaultProcmonPath = "/usr/libexec/forte/procmon"

// ProcmonPathEnv is the environment variable naming the procmon binary.
const ProcmonPathEnv = "FORTE_PROCMON"

// ManagerConfig configures a ProcessManager.
type ManagerConfig struct {
	// ProcmonPath overrides both FORTE_PROCMON and DefaultProcmonPath.
	ProcmonPath string
	// ProcmonArgs are passed to the procmon binary on every launch, e.g.
	// a hidden subcommand when ProcmonPath points back at the calling
	// binary itself (cmd/fortepdu's re-exec-self demo mode).
	ProcmonArgs []string
	// ProcmonEnv, if non-nil, is appended to the inherited environment
	// (os.Environ()) of the procmon subprocess; used by re-exec-self callers to pass a marker variable selecting
	// sidecar behavior without it leaking into the parent's own env.
	ProcmonEnv []string
	// SendWorkerPoolSize is forwarded to the underlying pdupeer.PeerSet.
	SendWorkerPoolSize int
}

func (c ManagerConfig) resolveProcmonPath() string {
	if c.ProcmonPath != "" {
		return c.ProcmonPath
	}
	if p := os.Getenv(ProcmonPathEnv); p != "" {
		return p
	}
	return DefaultProcmonPath
}

// ManagerStats summarizes a ProcessManager's registry for introspection
// (a supplemented feature; spec.md's original has no equivalent, but
// the PeerSet and Queue layers it's built on both expose Stats, so this
// fills the same gap at the ProcessManager level).
type ManagerStats struct {
	Running int
	Total   uint64
}

// ProcessManager launches and supervises child processes via procmon
// subprocesses, each speaking the wire protocol in wire.go over a
// dedicated pdupeer.Peer. Grounded on original_source/ProcessManager
// (referenced from ProcessFutureImpl.cpp's getProcessManager/abandonProcess).
type ProcessManager struct {
	cfg   ManagerConfig
	log   *logiface.Logger[logiface.Event]
	peers *pdupeer.PeerSet

	registry *hashmap.Map[uint64, *ProcessFuture]

	mu     sync.Mutex
	nextID uint64
	total  uint64
}

// NewProcessManager constructs a ProcessManager and its owned PeerSet.
func NewProcessManager(cfg ManagerConfig, log *logiface.Logger[logiface.Event]) (*ProcessManager, error) {
	log = fortelog.OrDiscard(log)
	m := &ProcessManager{
		cfg:      cfg,
		log:      log,
		registry: hashmap.New[uint64, *ProcessFuture](),
	}

	peers, err := pdupeer.NewPeerSet(
		pdupeer.PeerSetConfig{SendWorkerPoolSize: cfg.SendWorkerPoolSize},
		m.onPDU,
		m.onError,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("procmon: create peer set: %w", err)
	}
	m.peers = peers
	return m, nil
}

// CreateProcessFuture spawns a procmon subprocess connected over a
// Unix domain socketpair (a single bidirectional fd per end, matching
// FileDescriptorEndpoint's one-fd read/write model), and returns a
// Ready ProcessFuture bound to it. Call Run on the result to actually
// start the supervised command.
func (m *ProcessManager) CreateProcessFuture(ctx context.Context) (*ProcessFuture, error) {
	parentFD, childFD, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %v", ErrProcessUnableToFork, err)
	}
	childFile := os.NewFile(uintptr(childFD), "procmon-conn")

	cmd := exec.CommandContext(ctx, m.cfg.resolveProcmonPath(), m.cfg.ProcmonArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stderr = os.Stderr
	if m.cfg.ProcmonEnv != nil {
		cmd.Env = append(os.Environ(), m.cfg.ProcmonEnv...)
	}
	if err := cmd.Start(); err != nil {
		_ = unix.Close(parentFD)
		_ = childFile.Close()
		return nil, fmt.Errorf("%w: exec %s: %v", ErrProcessUnableToFork, m.cfg.resolveProcmonPath(), err)
	}
	_ = childFile.Close()

	if err := unix.SetNonblock(parentFD, false); err != nil {
		_ = unix.Close(parentFD)
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: set blocking: %v", ErrProcessManagementFailed, err)
	}

	endpoint, err := pdupeer.NewFileDescriptorEndpoint(m.peers.Monitor(), parentFD, pdupeer.FDConfig{}, m.log)
	if err != nil {
		_ = unix.Close(parentFD)
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: register procmon socket: %v", ErrProcessManagementFailed, err)
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.total++
	m.mu.Unlock()

	peer, err := m.peers.PeerCreate(id, endpoint, pdupeer.QueueConfig{})
	if err != nil {
		_ = endpoint.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: register peer: %v", ErrProcessManagementFailed, err)
	}

	pf := NewProcessFuture(peer, m.log)
	m.registry.Set(id, pf)
	return pf, nil
}

func (m *ProcessManager) futureForEvent(ev pdupeer.Event) (*ProcessFuture, bool) {
	peer := ev.Peer.Value()
	if peer == nil {
		return nil, false
	}
	return m.registry.Get(peer.ID())
}

func (m *ProcessManager) onPDU(ev pdupeer.Event) {
	pf, ok := m.futureForEvent(ev)
	if !ok {
		return
	}
	pf.handlePDU(ev.PDU)
}

func (m *ProcessManager) onError(ev pdupeer.Event) {
	pf, ok := m.futureForEvent(ev)
	if !ok {
		return
	}
	pf.handleDisconnect()
}

// AbandonProcess detaches a ProcessFuture from its monitor connection
// without waiting for completion, per original_source's abandon()
// (ProcessFutureImpl.cpp): a destructor-time safety net, exposed here
// so callers can invoke it explicitly.
func (m *ProcessManager) AbandonProcess(pf *ProcessFuture) {
	m.peers.PeerDelete(pf.peer)
	pf.setState(StateAbandoned)
}

// Stats summarizes the registry: how many ProcessFutures are currently
// running, and how many have ever been created.
func (m *ProcessManager) Stats() ManagerStats {
	running := 0
	m.registry.Range(func(_ uint64, pf *ProcessFuture) bool {
		if pf.IsRunning() {
			running++
		}
		return true
	})
	m.mu.Lock()
	total := m.total
	m.mu.Unlock()
	return ManagerStats{Running: running, Total: total}
}

// Shutdown tears down every managed peer and the underlying PeerSet.
func (m *ProcessManager) Shutdown() {
	m.peers.Shutdown()
}
