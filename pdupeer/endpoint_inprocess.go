package pdupeer

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/fortepdu/pdu"
)

// InProcessEndpoint is a thread-safe in-memory relay used when both
// ends of a peer relationship live in the same process (spec.md §4.3).
// SendPDU invokes the received-PDU callback synchronously; there is no
// I/O, so its only failures are ErrNoListener and, after Close,
// ErrEndpointClosed.
type InProcessEndpoint struct {
	mu    sync.Mutex
	ready []pdu.PDU

	cbMu sync.Mutex
	cb   EventCallback

	closed atomic.Bool
}

var _ Endpoint = (*InProcessEndpoint)(nil)

// NewInProcessEndpoint constructs a connected InProcessEndpoint.
func NewInProcessEndpoint() *InProcessEndpoint {
	return &InProcessEndpoint{}
}

// SetEventCallback registers cb and, if the endpoint hasn't been
// closed, synthesizes the Connected event — an InProcessEndpoint is
// connected for its entire lifetime (spec.md §4.3), so registering a
// callback is the first chance to observe that.
func (e *InProcessEndpoint) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()

	if cb != nil && !e.closed.Load() {
		cb(EventConnected, pdu.PDU{}, nil)
	}
}

func (e *InProcessEndpoint) callback() EventCallback {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return e.cb
}

// SendPDU delivers p to the registered callback synchronously, pushing
// it onto the internal deque first so a direct RecvPDU call (bypassing
// the callback) also observes it.
func (e *InProcessEndpoint) SendPDU(p pdu.PDU) error {
	if e.closed.Load() {
		return ErrEndpointClosed
	}
	cb := e.callback()
	if cb == nil {
		return ErrNoListener
	}

	e.mu.Lock()
	e.ready = append(e.ready, p)
	e.mu.Unlock()

	cb(EventReceivedPDU, p, nil)
	return nil
}

func (e *InProcessEndpoint) RecvPDU() (pdu.PDU, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ready) == 0 {
		return pdu.PDU{}, false
	}
	p := e.ready[0]
	e.ready = e.ready[1:]
	return p, true
}

func (e *InProcessEndpoint) IsPDUReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ready) > 0
}

// IsConnected is always true while the endpoint hasn't been closed,
// matching spec.md §4.3.
func (e *InProcessEndpoint) IsConnected() bool {
	return !e.closed.Load()
}

func (e *InProcessEndpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	cb := e.callback()
	if cb != nil {
		cb(EventDisconnected, pdu.PDU{}, nil)
	}
	return nil
}
