package pdupeer

import (
	"weak"

	"github.com/joeycumines/fortepdu/pdu"
)

// EventKind tags a PeerEvent, mirroring spec.md §3's PDUPeerEvent union.
type EventKind int

const (
	// EventReceivedPDU fires once per fully-framed inbound PDU.
	EventReceivedPDU EventKind = iota
	// EventSendError fires when a PDU could not be delivered: either the
	// endpoint's SendPDU failed, or the PDU expired in the queue under
	// the Callback policy.
	EventSendError
	// EventConnected fires when an endpoint transitions to connected.
	EventConnected
	// EventDisconnected fires when an endpoint tears down.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventReceivedPDU:
		return "ReceivedPDU"
	case EventSendError:
		return "SendError"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Event is delivered to PeerSet's onPDU/onError callbacks, and to a
// Peer's own event callback. Peer is a weak back-reference (spec.md §9
// "Cyclic ownership"): an event sitting in a channel, or briefly
// outliving its peer's removal from a PeerSet, must not by itself keep
// the peer alive. Callers promote it with Peer.Value(), checking for
// nil.
type Event struct {
	Kind EventKind
	Peer weak.Pointer[Peer]
	// PDU is populated for EventReceivedPDU and EventSendError.
	PDU pdu.PDU
	// Err is populated for EventSendError and EventDisconnected, when
	// the transition was caused by an I/O error.
	Err error
}
