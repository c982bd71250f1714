//go:build linux

package pdupeer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/netpoll"
	"github.com/joeycumines/fortepdu/pdu"
)

// FDConfig configures a FileDescriptorEndpoint's receive buffer, per
// spec.md §3's invariant 0 <= cursor <= bufCapacity <= bufMaxSize.
type FDConfig struct {
	// BufSize is the initial receive buffer capacity. Defaults to 4096.
	BufSize int
	// BufMaxSize is the ceiling the buffer may grow to. Defaults to 1 MiB.
	BufMaxSize int
	// BufStepSize is the growth increment. Defaults to 4096. Must satisfy
	// BufStepSize <= BufSize <= BufMaxSize once defaulted.
	BufStepSize int
}

func (c FDConfig) withDefaults() FDConfig {
	if c.BufSize <= 0 {
		c.BufSize = 4096
	}
	if c.BufStepSize <= 0 {
		c.BufStepSize = 4096
	}
	if c.BufMaxSize <= 0 {
		c.BufMaxSize = 1 << 20
	}
	if c.BufSize > c.BufMaxSize {
		c.BufSize = c.BufMaxSize
	}
	if c.BufStepSize > c.BufMaxSize {
		c.BufStepSize = c.BufMaxSize
	}
	return c
}

// FileDescriptorEndpoint is the raw-byte-I/O Endpoint variant: it owns
// an fd, assembles inbound frames out of a growable receive buffer, and
// writes outbound frames under a dedicated send mutex (spec.md §4.2).
type FileDescriptorEndpoint struct {
	cfg     FDConfig
	log     *logiface.Logger[logiface.Event]
	monitor *netpoll.Monitor

	fd        int
	connected atomic.Bool

	sendMu sync.Mutex

	recvMu    sync.Mutex
	bb        *bytebufferpool.ByteBuffer
	cursor    int
	ready     []pdu.PDU
	maxPayload int

	cbMu sync.Mutex
	cb   EventCallback

	regMu      sync.Mutex
	registered bool
}

var _ Endpoint = (*FileDescriptorEndpoint)(nil)

// NewFileDescriptorEndpoint wraps fd (already connected, must be set to
// blocking mode by the caller per spec.md §4.2) and registers it with
// monitor for readability. cfg may be the zero value.
func NewFileDescriptorEndpoint(monitor *netpoll.Monitor, fd int, cfg FDConfig, log *logiface.Logger[logiface.Event]) (*FileDescriptorEndpoint, error) {
	cfg = cfg.withDefaults()
	bb := bytebufferpool.Get()
	if cap(bb.B) < cfg.BufSize {
		bb.B = append(bb.B[:0], make([]byte, cfg.BufSize)...)
	} else {
		bb.B = bb.B[:cfg.BufSize]
	}

	e := &FileDescriptorEndpoint{
		cfg:        cfg,
		log:        fortelog.OrDiscard(log),
		monitor:    monitor,
		fd:         fd,
		bb:         bb,
		maxPayload: cfg.BufMaxSize - pdu.HeaderSize,
	}
	e.connected.Store(true)

	if monitor != nil {
		if err := monitor.AddFD(fd, netpoll.DefaultEvents, e.handleEPollEvent); err != nil {
			bytebufferpool.Put(bb)
			return nil, fmt.Errorf("pdupeer: register fd: %w", err)
		}
		e.regMu.Lock()
		e.registered = true
		e.regMu.Unlock()
	}

	return e, nil
}

// SetEventCallback registers cb and, if the endpoint is still connected,
// synthesizes the Connected event for it: setFD already moved this
// endpoint to Connected at construction (spec.md §4.2's state machine),
// so a callback registered afterward still needs to observe that
// transition once it starts listening.
func (e *FileDescriptorEndpoint) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()

	if e.connected.Load() {
		e.emit(EventConnected, pdu.PDU{}, nil)
	}
}

func (e *FileDescriptorEndpoint) emit(kind EventKind, p pdu.PDU, err error) {
	e.cbMu.Lock()
	cb := e.cb
	e.cbMu.Unlock()
	if cb != nil {
		cb(kind, p, err)
	}
}

func (e *FileDescriptorEndpoint) IsConnected() bool {
	return e.connected.Load()
}

// SendPDU serializes and writes p to the fd under sendMu, looping
// through short writes until the frame is fully sent or the fd is dead
// (spec.md §4.2).
func (e *FileDescriptorEndpoint) SendPDU(p pdu.PDU) error {
	if !e.connected.Load() {
		return ErrEndpointClosed
	}

	buf, err := p.Marshal(nil, e.maxPayload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	for len(buf) > 0 {
		n, werr := unix.Write(e.fd, buf)
		if n > 0 {
			buf = buf[n:]
		}
		if werr != nil {
			if errors.Is(werr, unix.EINTR) {
				continue
			}
			if errors.Is(werr, unix.EAGAIN) {
				// fd is configured blocking; treat a transient EAGAIN as
				// requiring a retry rather than a hard failure.
				continue
			}
			e.teardown(werr)
			return fmt.Errorf("%w: %v", ErrSendFailed, werr)
		}
	}
	return nil
}

func (e *FileDescriptorEndpoint) RecvPDU() (pdu.PDU, bool) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	if len(e.ready) == 0 {
		return pdu.PDU{}, false
	}
	p := e.ready[0]
	e.ready = e.ready[1:]
	return p, true
}

func (e *FileDescriptorEndpoint) IsPDUReady() bool {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return len(e.ready) > 0
}

// handleEPollEvent is the netpoll.Handler registered against the
// Monitor; it never holds recvMu or sendMu across the emitted callback.
func (e *FileDescriptorEndpoint) handleEPollEvent(ev netpoll.Events) {
	if ev&(netpoll.Hangup|netpoll.RemoteHangup) != 0 {
		e.teardown(nil)
		return
	}
	if ev&netpoll.Error != 0 {
		e.teardown(fmt.Errorf("pdupeer: epoll reported EPOLLERR on fd %d", e.fd))
		return
	}
	if ev&netpoll.Read != 0 {
		e.onReadable()
	}
}

func (e *FileDescriptorEndpoint) onReadable() {
	e.recvMu.Lock()
	if e.cursor == len(e.bb.B) {
		if !e.growLocked(len(e.bb.B) + e.cfg.BufStepSize) {
			e.recvMu.Unlock()
			e.teardown(ErrProtocolViolation)
			return
		}
	}

	n, err := unix.Read(e.fd, e.bb.B[e.cursor:])
	if n <= 0 {
		e.recvMu.Unlock()
		if n == 0 || (err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR)) {
			e.teardown(err)
		}
		return
	}
	e.cursor += n

	newlyReady, violation := e.parseLocked()
	e.recvMu.Unlock()

	if violation {
		e.teardown(ErrProtocolViolation)
		return
	}
	for _, p := range newlyReady {
		e.emit(EventReceivedPDU, p, nil)
	}
}

// parseLocked drains as many complete frames as are present in the
// buffer's prefix, compacting it after each. recvMu must be held.
func (e *FileDescriptorEndpoint) parseLocked() (newlyReady []pdu.PDU, protocolViolation bool) {
	for {
		if e.cursor < pdu.HeaderSize {
			if e.cursor == len(e.bb.B) {
				if !e.growLocked(len(e.bb.B) + e.cfg.BufStepSize) {
					return newlyReady, true
				}
			}
			return newlyReady, false
		}

		size := binary.LittleEndian.Uint32(e.bb.B[4:8])
		total := pdu.HeaderSize + int(size)
		if total > e.cfg.BufMaxSize {
			return newlyReady, true
		}
		if total > len(e.bb.B) {
			if !e.growLocked(total) {
				return newlyReady, true
			}
			return newlyReady, false
		}
		if e.cursor < total {
			return newlyReady, false
		}

		p, consumed, ok, err := pdu.Unmarshal(e.bb.B[:e.cursor], e.maxPayload)
		if err != nil || !ok {
			return newlyReady, true
		}
		copy(e.bb.B, e.bb.B[consumed:e.cursor])
		e.cursor -= consumed
		e.ready = append(e.ready, p)
		newlyReady = append(newlyReady, p)
	}
}

// growLocked grows the buffer to exactly size (capped at BufMaxSize)
// rather than in BufStepSize increments — callers already pass the
// precise size needed (cursor+BufStepSize for the no-header case, or
// the frame's declared total length), so rounding up further would
// just over-allocate. recvMu must be held.
func (e *FileDescriptorEndpoint) growLocked(size int) bool {
	if size > e.cfg.BufMaxSize {
		size = e.cfg.BufMaxSize
	}
	cur := len(e.bb.B)
	if size <= cur {
		return cur >= size
	}
	if cur >= e.cfg.BufMaxSize {
		return false
	}
	e.bb.B = append(e.bb.B, make([]byte, size-cur)...)
	return len(e.bb.B) >= size || len(e.bb.B) >= e.cfg.BufMaxSize
}

func (e *FileDescriptorEndpoint) teardown(cause error) {
	if !e.connected.CompareAndSwap(true, false) {
		return
	}

	e.regMu.Lock()
	if e.registered && e.monitor != nil {
		_ = e.monitor.RemoveFD(e.fd)
	}
	e.registered = false
	e.regMu.Unlock()

	_ = unix.Close(e.fd)

	if cause != nil {
		e.log.Warning().Err(cause).Log("pdu endpoint disconnected")
	} else {
		e.log.Info().Log("pdu endpoint disconnected")
	}
	e.emit(EventDisconnected, pdu.PDU{}, cause)
}

// Close tears down the endpoint if still connected. Idempotent.
func (e *FileDescriptorEndpoint) Close() error {
	e.teardown(nil)
	e.recvMu.Lock()
	if e.bb != nil {
		bytebufferpool.Put(e.bb)
		e.bb = nil
	}
	e.recvMu.Unlock()
	return nil
}
