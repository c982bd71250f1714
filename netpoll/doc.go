// Package netpoll implements the single epoll dispatcher (EPollMonitor)
// that every file-descriptor-backed PDUPeer in this module registers
// against. One goroutine calls epoll_wait; registered handlers are
// invoked inline, in kernel-reported order, with no lock held across
// the call.
//
// Grounded on the teacher's eventloop/poller_linux.go (direct-indexed
// epoll registration) and eventloop/wakeup_linux.go (eventfd-based
// wakeup), generalized from a single embedded loop into a standalone,
// reusable dispatcher that many independent endpoints share.
package netpoll
