package pdupeer

import (
	"github.com/joeycumines/fortepdu/pdu"
)

// OpKind classifies an Endpoint operation as read-only or mutating
// (spec.md §4.4). SendPDU is always OpMutate; OpRead exists for the
// benefit of endpoints exposing additional read-style operations beyond
// the core contract. No code in this package consumes OpKind:
// MirroredEndpoint treats SendPDU as its only mutating operation
// directly.
type OpKind int

const (
	OpMutate OpKind = iota
	OpRead
)

// EventCallback is how an Endpoint reports connection lifecycle and
// inbound PDUs to its owning Peer. It carries no Peer reference: Peer
// attaches itself (see Peer.Start in peer.go).
type EventCallback func(kind EventKind, p pdu.PDU, err error)

// Endpoint is the small, closed set of transport variants described in
// spec.md §3/§4: FileDescriptorEndpoint, InProcessEndpoint, and
// MirroredEndpoint. All implementations must be safe for concurrent
// SendPDU/RecvPDU/IsPDUReady/IsConnected calls.
type Endpoint interface {
	// SendPDU serializes and transmits p. Implementations return
	// ErrSendFailed (file-descriptor), ErrNoListener (in-process), or
	// ErrReadOnly (mirrored, post-failover mutating op) as appropriate.
	SendPDU(p pdu.PDU) error

	// RecvPDU dequeues one ready PDU, returning false if none is ready.
	RecvPDU() (pdu.PDU, bool)

	// IsPDUReady reports whether the endpoint currently holds at least
	// one fully-framed, undelivered PDU.
	IsPDUReady() bool

	// IsConnected reports the endpoint's current connection state.
	IsConnected() bool

	// SetEventCallback registers the callback used to report inbound
	// PDUs and connection lifecycle transitions. Only one callback may
	// be registered at a time; a later call replaces the former.
	SetEventCallback(cb EventCallback)

	// Close tears down the endpoint, releasing any owned file
	// descriptor. Close is idempotent.
	Close() error
}
