package procmon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/fortepdu/future"
	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/pdu"
	"github.com/joeycumines/fortepdu/pdupeer"
)

// RunState is ProcessFuture's state machine, per spec.md §4.7:
// Ready -> Starting -> Running -> {Exited, Killed, Stopped, Error,
// Abandoned}.
type RunState int32

const (
	StateReady RunState = iota
	StateStarting
	StateRunning
	StateExited
	StateKilled
	StateStopped
	StateError
	StateAbandoned
)

func (s RunState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateExited:
		return "Exited"
	case StateKilled:
		return "Killed"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	case StateAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

func (s RunState) isTerminal() bool {
	switch s {
	case StateExited, StateKilled, StateStopped, StateError, StateAbandoned:
		return true
	default:
		return false
	}
}

// TerminationType classifies a finished process for
// GetProcessTerminationType.
type TerminationType int

const (
	TerminationExited TerminationType = iota
	TerminationKilled
	TerminationUnknown
)

// ProcessFuture is a Future[struct{}] specialized with a process state
// machine, grounded on original_source/ProcessFutureImpl.cpp: a child
// process is started and supervised by a dedicated procmon subprocess,
// with which this ProcessFuture exchanges PDUs over a pdupeer.Peer
// (spec.md §3/§4.7).
type ProcessFuture struct {
	inner *future.Future[struct{}]

	log  *logiface.Logger[logiface.Event]
	peer *pdupeer.Peer

	mu    sync.Mutex
	cond  *sync.Cond
	state RunState

	command        string
	commandToLog   string
	cwd            string
	outputFilename string
	errorFilename  string
	inputFilename  string

	monitorPID atomic.Int32
	processPID atomic.Int32
	statusCode atomic.Int32
	errMu      sync.Mutex
	errString  string

	outputMu            sync.Mutex
	outputString        string
	errorMu             sync.Mutex
	capturedErrorString string

	onComplete func(*ProcessFuture)
}

// NewProcessFuture constructs a Ready ProcessFuture. peer is the
// dedicated PDUPeer to the monitor; NewProcessFuture and Run do not
// start it (ProcessManager's PeerSet.PeerCreate already has). Run only
// enqueues PDUs on it.
func NewProcessFuture(peer *pdupeer.Peer, log *logiface.Logger[logiface.Event]) *ProcessFuture {
	f := &ProcessFuture{
		inner:          future.New[struct{}](),
		log:            fortelog.OrDiscard(log),
		peer:           peer,
		state:          StateReady,
		outputFilename: os.DevNull,
		errorFilename:  os.DevNull,
		inputFilename:  os.DevNull,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *ProcessFuture) getState() RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// requireReady enforces spec.md §4.7's "configuration mutators
// restricted to Ready state" invariant.
func (f *ProcessFuture) requireReady() error {
	if f.getState() != StateReady {
		return ErrProcessAlreadyStarted
	}
	return nil
}

func validateParam(s string) error {
	if len(s) > MaxParamStrLen {
		return fmt.Errorf("%w: %d > %d", ErrParamTooLong, len(s), MaxParamStrLen)
	}
	return nil
}

// SetCommand sets the command line to run, and the (possibly
// sanitized) form to log. Both must fit in the wire's 2048-byte field.
func (f *ProcessFuture) SetCommand(command, commandToLog string) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	if err := validateParam(command); err != nil {
		return err
	}
	if err := validateParam(commandToLog); err != nil {
		return err
	}
	f.command = command
	f.commandToLog = commandToLog
	return nil
}

// SetCurrentWorkingDirectory sets the child's working directory.
func (f *ProcessFuture) SetCurrentWorkingDirectory(cwd string) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	if err := validateParam(cwd); err != nil {
		return err
	}
	f.cwd = cwd
	return nil
}

// SetInputFilename sets the child's stdin source file.
func (f *ProcessFuture) SetInputFilename(path string) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	if err := validateParam(path); err != nil {
		return err
	}
	f.inputFilename = path
	return nil
}

// SetOutputFilename sets the child's stdout destination file.
func (f *ProcessFuture) SetOutputFilename(path string) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	if err := validateParam(path); err != nil {
		return err
	}
	f.outputFilename = path
	return nil
}

// SetErrorFilename sets the child's stderr destination file.
func (f *ProcessFuture) SetErrorFilename(path string) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	if err := validateParam(path); err != nil {
		return err
	}
	f.errorFilename = path
	return nil
}

// SetProcessCompleteCallback registers a callback invoked once the
// future reaches a terminal state.
func (f *ProcessFuture) SetProcessCompleteCallback(cb func(*ProcessFuture)) error {
	if err := f.requireReady(); err != nil {
		return err
	}
	f.onComplete = cb
	return nil
}

// Run sends the six ParamPDUs followed by a ControlReq{Start}, then
// waits up to 5 seconds for the monitor to acknowledge the process has
// left Starting (spec.md §4.7). A timeout cancels the process and
// returns ErrProcessManagementFailed.
func (f *ProcessFuture) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateReady {
		f.mu.Unlock()
		return ErrProcessAlreadyStarted
	}
	f.state = StateStarting
	f.mu.Unlock()

	params := []ParamPDU{
		{Param: ParamCmdline, Str: f.command},
		{Param: ParamCmdlineToLog, Str: f.commandToLog},
		{Param: ParamCwd, Str: f.cwd},
		{Param: ParamInfile, Str: f.inputFilename},
		{Param: ParamOutfile, Str: f.outputFilename},
		{Param: ParamErrfile, Str: f.errorFilename},
	}
	for _, p := range params {
		if err := f.peer.EnqueuePDU(ctx, pdu.New(uint32(OpParam), p.Marshal())); err != nil {
			return fmt.Errorf("%w: %v", ErrProcessManagementFailed, err)
		}
	}
	start := ControlReqPDU{Control: ControlStart}
	if err := f.peer.EnqueuePDU(ctx, pdu.New(uint32(OpControlReq), start.Marshal())); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessManagementFailed, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	if f.waitWhileStarting(deadline) {
		return nil
	}
	f.Cancel()
	return fmt.Errorf("%w: timed out waiting for monitor to start %q", ErrProcessManagementFailed, f.command)
}

// waitWhileStarting blocks until the state leaves Starting or deadline
// elapses, returning false on timeout. Mirrors the monotonic,
// wall-clock-jump-immune deadline pattern in future.Future.GetResultTimed.
func (f *ProcessFuture) waitWhileStarting(deadline time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state == StateStarting {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		f.cond.Wait()
		timer.Stop()
	}
	return true
}

// handlePDU dispatches one inbound PDU from the monitor peer. Intended
// to be wired as the onPDU callback for the PeerSet owning this
// ProcessFuture's dedicated peer.
func (f *ProcessFuture) handlePDU(p pdu.PDU) {
	switch Opcode(p.Opcode) {
	case OpControlRes:
		res, err := UnmarshalControlResPDU(p.Payload)
		if err != nil {
			f.log.Warning().Err(err).Log("malformed ControlRes PDU")
			return
		}
		f.handleControlRes(res)
	case OpStatus:
		status, err := UnmarshalStatusPDU(p.Payload)
		if err != nil {
			f.log.Warning().Err(err).Log("malformed Status PDU")
			return
		}
		f.handleStatus(status)
	default:
		f.log.Warning().Log("unexpected PDU opcode from procmon peer")
	}
}

func (f *ProcessFuture) handleControlRes(res ControlResPDU) {
	f.monitorPID.Store(res.MonitorPID)
	f.processPID.Store(res.ProcessPID)
	f.statusCode.Store(int32(res.Result))
	if res.Result == ResultSuccess {
		f.setState(StateRunning)
		return
	}
	f.errMu.Lock()
	f.errString = res.Error
	f.errMu.Unlock()
	f.setState(StateError)
}

func (f *ProcessFuture) handleStatus(status StatusPDU) {
	f.statusCode.Store(int32(status.StatusCode))
	switch status.Type {
	case StatusStarted:
		f.setState(StateRunning)
	case StatusError:
		f.setState(StateError)
	case StatusExited:
		f.setState(StateExited)
	case StatusKilled:
		f.setState(StateKilled)
	case StatusStopped:
		f.setState(StateStopped)
	default:
		f.log.Warning().Log("unknown procmon status type")
	}
}

// handleDisconnect is wired as this peer's onError callback; a lost
// connection to procmon before the future has settled is reported as
// ProcessManagementFailed (spec.md §4.7).
func (f *ProcessFuture) handleDisconnect() {
	if !f.getState().isTerminal() {
		f.statusCode.Store(int32(ResultProcmonFailure))
		f.setState(StateError)
	}
}

// setState transitions state and, on reaching a terminal state,
// invokes the completion callback and resolves the underlying Future
// (spec.md §4.7's setState/terminal-state handling).
func (f *ProcessFuture) setState(s RunState) {
	f.mu.Lock()
	f.state = s
	terminal := s.isTerminal()
	f.cond.Broadcast()
	f.mu.Unlock()

	if !terminal {
		return
	}
	if f.onComplete != nil {
		f.onComplete(f)
	}

	switch s {
	case StateExited:
		if f.statusCode.Load() == 0 {
			_ = f.inner.SetResult(struct{}{})
		} else {
			_ = f.inner.SetException(fmt.Errorf("%w: [%s] %d", ErrProcessTerminatedWithNonZeroStatus, f.command, f.statusCode.Load()))
		}
	case StateKilled:
		_ = f.inner.SetException(ErrProcessKilled)
	case StateError:
		_ = f.inner.SetException(f.errorForStatusCode())
	case StateAbandoned:
		_ = f.inner.SetException(ErrProcessAbandoned)
	default:
		_ = f.inner.SetException(ErrProcessTerminatedDueToUnknownReason)
	}
}

func (f *ProcessFuture) errorForStatusCode() error {
	f.errMu.Lock()
	msg := f.errString
	f.errMu.Unlock()

	switch ResultCode(f.statusCode.Load()) {
	case ResultUnableToOpenInputFile:
		return fmt.Errorf("%w: %s", ErrProcessUnableToOpenInputFile, msg)
	case ResultUnableToOpenOutputFile:
		return fmt.Errorf("%w: %s", ErrProcessUnableToOpenOutputFile, msg)
	case ResultUnableToOpenErrorFile:
		return fmt.Errorf("%w: %s", ErrProcessUnableToOpenErrorFile, msg)
	case ResultUnableToCWD:
		return fmt.Errorf("%w: %s", ErrProcessUnableToCWD, msg)
	case ResultUnableToFork:
		return fmt.Errorf("%w: %s", ErrProcessUnableToFork, msg)
	case ResultUnableToExec:
		return fmt.Errorf("%w: %s", ErrProcessUnableToExec, msg)
	case ResultProcmonFailure:
		return ErrProcessManagementFailed
	default:
		if msg != "" {
			return fmt.Errorf("procmon: %s", msg)
		}
		return ErrProcessManagementFailed
	}
}

// GetResult waits indefinitely for the process to reach a terminal
// state, per spec.md §4.7 (ProcessNotRunning if called on a Ready
// future, matching the original's "tried waiting on a process that has
// not been started").
func (f *ProcessFuture) GetResult() error {
	return f.getResultTimed(-1)
}

// GetResultTimed is the bounded-wait variant of GetResult.
func (f *ProcessFuture) GetResultTimed(timeout time.Duration) error {
	return f.getResultTimed(timeout)
}

func (f *ProcessFuture) getResultTimed(timeout time.Duration) error {
	if f.getState() == StateReady {
		return ErrProcessNotRunning
	}
	_, err := f.inner.GetResultTimed(timeout)
	return err
}

// IsRunning reports whether the process is neither Ready nor in a
// terminal state.
func (f *ProcessFuture) IsRunning() bool {
	s := f.getState()
	return s != StateReady && s != StateStarting && !s.isTerminal()
}

// Signal sends a ControlReq{Signal} to the monitor for a running
// process.
func (f *ProcessFuture) Signal(ctx context.Context, signum int) error {
	if !f.IsRunning() && f.getState() != StateStarting {
		return ErrProcessNotRunning
	}
	req := ControlReqPDU{Control: ControlSignal, Signum: int32(signum)}
	return f.peer.EnqueuePDU(ctx, pdu.New(uint32(OpControlReq), req.Marshal()))
}

// Cancel sends SIGTERM to the child, then marks the Future cancelled
// (advisory only; spec.md §4.7's Cancel is Signal(SIGTERM) followed by
// Future.Cancel).
func (f *ProcessFuture) Cancel() {
	_ = f.Signal(context.Background(), 15) // SIGTERM
	f.inner.Cancel()
}

// GetStatusCode returns the raw status/result code from the last
// Status or ControlRes PDU. Requires a terminal state.
func (f *ProcessFuture) GetStatusCode() (int32, error) {
	switch f.getState() {
	case StateReady:
		return 0, ErrProcessNotStarted
	default:
		if !f.getState().isTerminal() {
			return 0, ErrProcessNotFinished
		}
		return f.statusCode.Load(), nil
	}
}

// GetProcessTerminationType classifies how the process ended.
func (f *ProcessFuture) GetProcessTerminationType() (TerminationType, error) {
	s := f.getState()
	switch {
	case s == StateReady:
		return 0, ErrProcessNotStarted
	case !s.isTerminal():
		return 0, ErrProcessNotFinished
	case s == StateExited:
		return TerminationExited, nil
	case s == StateKilled:
		return TerminationKilled, nil
	default:
		return TerminationUnknown, nil
	}
}

// GetOutputString lazily loads and returns the child's captured
// stdout, per spec.md §4.7 (empty, with a logged warning, if the
// output file is os.DevNull).
func (f *ProcessFuture) GetOutputString() (string, error) {
	return f.lazyLoad(&f.outputMu, &f.outputString, f.outputFilename)
}

// GetErrorString is GetOutputString's stderr counterpart.
func (f *ProcessFuture) GetErrorString() (string, error) {
	return f.lazyLoad(&f.errorMu, &f.capturedErrorString, f.errorFilename)
}

func (f *ProcessFuture) lazyLoad(mu *sync.Mutex, cache *string, filename string) (string, error) {
	s := f.getState()
	if s == StateReady {
		return "", ErrProcessNotStarted
	}
	if !s.isTerminal() {
		return "", ErrProcessNotFinished
	}

	mu.Lock()
	defer mu.Unlock()
	if *cache != "" {
		return *cache, nil
	}
	if filename == "" || filename == os.DevNull {
		f.log.Warning().Log("no output/error filename set")
		return "", nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("procmon: read captured output: %w", err)
	}
	*cache = string(data)
	return *cache, nil
}

// MonitorPID returns the procmon subprocess's PID, valid once the
// process has left the Starting state.
func (f *ProcessFuture) MonitorPID() int32 { return f.monitorPID.Load() }

// ProcessPID returns the supervised child's PID.
func (f *ProcessFuture) ProcessPID() int32 { return f.processPID.Load() }

// State returns the current RunState.
func (f *ProcessFuture) State() RunState { return f.getState() }
