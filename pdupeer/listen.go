//go:build linux

package pdupeer

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sys/unix"
)

// syscallConner is satisfied by *net.TCPConn; extracting it lets
// dupBlockingFD avoid importing internal net types.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// dupBlockingFD extracts a duplicate, blocking-mode file descriptor
// from conn's underlying socket and closes conn, handing fd ownership
// to the caller.
func dupBlockingFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConner)
	if !ok {
		_ = conn.Close()
		return -1, fmt.Errorf("%w: connection type %T has no SyscallConn", ErrFcntl, conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return -1, fmt.Errorf("%w: %v", ErrFcntl, err)
	}

	var fd int
	var dupErr error
	if ctrlErr := raw.Control(func(rawFD uintptr) {
		fd, dupErr = unix.Dup(int(rawFD))
	}); ctrlErr != nil {
		_ = conn.Close()
		return -1, fmt.Errorf("%w: %v", ErrFcntl, ctrlErr)
	}
	_ = conn.Close()
	if dupErr != nil {
		return -1, fmt.Errorf("%w: dup: %v", ErrFcntl, dupErr)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%w: set blocking: %v", ErrFcntl, err)
	}
	return fd, nil
}

// Socket-helper error kinds (spec.md §7). These wrap the underlying
// syscall/net error via %w so errors.Is/errors.As still reach it.
var (
	ErrConnectFailed = errors.New("pdupeer: connect failed")
	ErrConvertIP     = errors.New("pdupeer: could not convert address")
	ErrBind          = errors.New("pdupeer: bind failed")
	ErrFcntl         = errors.New("pdupeer: fcntl failed")
	ErrSelectFailed  = errors.New("pdupeer: select/accept failed")
)

// ListenTCP opens a SO_REUSEADDR/SO_REUSEPORT TCP listener on addr
// (host:port), returning it ready for Accept. Using go-reuseport here
// (rather than net.Listen) lets a restarted process rebind a port whose
// prior listener is still draining connections in TIME_WAIT, and lets
// multiple processes share a listening port for load distribution.
func ListenTCP(addr string) (net.Listener, error) {
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrBind, addr, err)
	}
	return ln, nil
}

// DialTCP dials addr (host:port) with SO_REUSEADDR/SO_REUSEPORT set on
// the outbound socket, then sets the resulting fd to blocking mode, as
// FileDescriptorEndpoint requires (spec.md §4.2).
func DialTCP(addr string) (int, error) {
	conn, err := reuseport.Dial("tcp", "", addr)
	if err != nil {
		return -1, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, addr, err)
	}
	return dupBlockingFD(conn)
}

// AcceptFD accepts one connection on ln (as returned by ListenTCP) and
// returns its underlying, blocking file descriptor, suitable for
// NewFileDescriptorEndpoint. The fd is a duplicate of the accepted
// socket; the net.Conn itself is closed, and ownership of the fd
// passes to the caller.
func AcceptFD(ln net.Listener) (int, error) {
	conn, err := ln.Accept()
	if err != nil {
		return -1, fmt.Errorf("%w: accept: %v", ErrSelectFailed, err)
	}
	return dupBlockingFD(conn)
}
