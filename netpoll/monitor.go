//go:build linux

package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/fortepdu/internal/fortelog"
)

// Events is a bitmask of readiness conditions, mirroring the teacher's
// IOEvents but extended with Hangup/RemoteHangup, both of which the
// spec requires the dispatcher to surface.
type Events uint32

const (
	Read Events = 1 << iota
	Write
	Error
	Hangup
	RemoteHangup
)

// DefaultEvents is the event set AddFD registers with when the caller
// does not specify one, matching spec.md §4.1.
const DefaultEvents = Read | Error | Hangup | RemoteHangup

// Handler is invoked by the dispatcher goroutine on readiness. It must
// not block indefinitely and must not call back into Monitor while
// holding a lock the dispatcher might need (AddFD/ModifyFD/RemoveFD are
// safe to call from within a Handler; they never block on the
// dispatcher). Shutdown waits for the dispatcher goroutine to exit, so
// it must not be called from within a Handler.
type Handler func(Events)

// ErrClosed is returned by AddFD once Shutdown has been called.
var ErrClosed = errors.New("netpoll: monitor closed")

// ErrAlreadyRegistered is returned by AddFD for a file descriptor that
// is already registered with this Monitor.
var ErrAlreadyRegistered = errors.New("netpoll: fd already registered")

// ErrNotRegistered is returned by RemoveFD/ModifyFD for a file
// descriptor that isn't registered.
var ErrNotRegistered = errors.New("netpoll: fd not registered")

type registration struct {
	handler Handler
	events  Events
}

// Monitor owns a single epoll descriptor and the goroutine that calls
// epoll_wait against it. Zero value is not usable; construct with New.
type Monitor struct {
	log        *logiface.Logger[logiface.Event]
	limiter    *catrate.Limiter
	epfd       int
	wakeR      int
	wakeW      int
	mu         sync.RWMutex
	regs       map[int]*registration
	closed     bool
	wg         sync.WaitGroup
	shutdownMu sync.Mutex
}

// New creates and starts a Monitor. The returned Monitor's dispatcher
// goroutine is already running.
func New(log *logiface.Logger[logiface.Event]) (*Monitor, error) {
	log = fortelog.OrDiscard(log)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("netpoll: eventfd: %w", err)
	}

	m := &Monitor{
		log:     log,
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 20}),
		epfd:    epfd,
		wakeR:   wakeFD,
		wakeW:   wakeFD,
		regs:    make(map[int]*registration),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, fmt.Errorf("netpoll: arm wake fd: %w", err)
	}

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// AddFD registers fd for the given events (DefaultEvents if events==0)
// and arms it on the epoll instance. handler is invoked, inline on the
// dispatcher goroutine, for every readiness notification.
func (m *Monitor) AddFD(fd int, events Events, handler Handler) error {
	if events == 0 {
		events = DefaultEvents
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.regs[fd]; exists {
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	m.regs[fd] = &registration{handler: handler, events: events}
	m.mu.Unlock()

	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		m.mu.Lock()
		delete(m.regs, fd)
		m.mu.Unlock()
		return fmt.Errorf("netpoll: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// ModifyFD updates the monitored event set for an already-registered fd.
func (m *Monitor) ModifyFD(fd int, events Events) error {
	m.mu.Lock()
	reg, exists := m.regs[fd]
	if !exists {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	reg.events = events
	m.mu.Unlock()

	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

// RemoveFD deregisters fd. It is idempotent: removing an fd that is not
// registered is not an error.
func (m *Monitor) RemoveFD(fd int) error {
	m.mu.Lock()
	if _, exists := m.regs[fd]; !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.regs, fd)
	m.mu.Unlock()

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("netpoll: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Shutdown unblocks the dispatcher goroutine and waits for it to exit.
// It is safe to call more than once.
func (m *Monitor) Shutdown() error {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()

	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	m.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(m.wakeW, one[:])

	m.wg.Wait()
	_ = unix.Close(m.epfd)
	_ = unix.Close(m.wakeR)
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(m.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			m.logRateLimited("epoll_wait error", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wakeR {
				m.mu.RLock()
				closed := m.closed
				m.mu.RUnlock()
				if closed {
					return
				}
				var drain [8]byte
				_, _ = unix.Read(m.wakeR, drain[:])
				continue
			}
			m.dispatch(fd, events[i].Events)
		}
	}
}

func (m *Monitor) dispatch(fd int, raw uint32) {
	m.mu.RLock()
	reg, ok := m.regs[fd]
	m.mu.RUnlock()
	if !ok || reg.handler == nil {
		return
	}

	ev := epollToEvents(raw)
	m.safeInvoke(reg.handler, ev)
}

// safeInvoke calls handler, recovering from a panic so one misbehaving
// endpoint callback can never bring epoll_wait's goroutine down; per
// spec.md §7, dispatch never lets a user callback's exception propagate
// into the poll loop.
func (m *Monitor) safeInvoke(handler Handler, ev Events) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Err(fmt.Errorf("netpoll: panic in handler: %v", r)).Log("recovered panic from endpoint callback")
		}
	}()
	handler(ev)
}

func (m *Monitor) logRateLimited(msg string, err error) {
	if _, allow := m.limiter.Allow("epoll_error"); allow {
		m.log.Err(err).Log(msg)
	}
}

func eventsToEpoll(e Events) uint32 {
	var out uint32
	if e&Read != 0 {
		out |= unix.EPOLLIN
	}
	if e&Write != 0 {
		out |= unix.EPOLLOUT
	}
	if e&Error != 0 {
		out |= unix.EPOLLERR
	}
	if e&Hangup != 0 {
		out |= unix.EPOLLHUP
	}
	if e&RemoteHangup != 0 {
		out |= unix.EPOLLRDHUP
	}
	return out
}

func epollToEvents(raw uint32) Events {
	var e Events
	if raw&unix.EPOLLIN != 0 {
		e |= Read
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= Write
	}
	if raw&unix.EPOLLERR != 0 {
		e |= Error
	}
	if raw&unix.EPOLLHUP != 0 {
		e |= Hangup
	}
	if raw&unix.EPOLLRDHUP != 0 {
		e |= RemoteHangup
	}
	return e
}
