package pdupeer

import "errors"

// Queue errors (spec.md §7).
var (
	// ErrQueueFull is returned by EnqueuePDU under the Callback or Throw
	// policy when the queue is at capacity.
	ErrQueueFull = errors.New("pdupeer: queue full")

	// ErrQueueShutdown is returned by EnqueuePDU once Shutdown has been
	// called, and unblocks any producer suspended acquiring capacity.
	ErrQueueShutdown = errors.New("pdupeer: queue shut down")

	// ErrQueueUnknownType is preserved from the source API surface for
	// spec completeness; Go's static PDU type makes it unreachable here,
	// since a Queue only ever holds pdu.PDU values. No path in this
	// package returns it.
	ErrQueueUnknownType = errors.New("pdupeer: unknown queue item type")

	// ErrPDUExpired is the SendError reason reported for a PDU popped by
	// FailExpiredPDUs/SweepExpired under the Callback policy.
	ErrPDUExpired = errors.New("pdupeer: pdu expired before send")
)

// Endpoint errors (spec.md §7).
var (
	// ErrSendFailed wraps any I/O error encountered while writing a PDU.
	ErrSendFailed = errors.New("pdupeer: send failed")

	// ErrNoListener is returned by InProcessEndpoint.SendPDU when no
	// received-PDU callback has been registered.
	ErrNoListener = errors.New("pdupeer: no listener")

	// ErrEndpointClosed is returned by operations on a torn-down endpoint.
	ErrEndpointClosed = errors.New("pdupeer: endpoint closed")

	// ErrReadOnly is returned by MirroredEndpoint for mutating operations
	// once it has failed over to its read-only secondary.
	ErrReadOnly = errors.New("pdupeer: endpoint is read-only (mirrored failover active)")

	// ErrProtocolViolation is returned (and surfaces as a Disconnected
	// event) when a peer announces a PDU larger than the endpoint's
	// configured maximum buffer size.
	ErrProtocolViolation = errors.New("pdupeer: PDU exceeds maximum frame size")
)

// PeerSet errors.
var (
	// ErrPeerExists is returned by PeerSet.PeerCreate for a duplicate peer ID.
	ErrPeerExists = errors.New("pdupeer: peer already registered")

	// ErrPeerSetClosed is returned once a PeerSet has been shut down.
	ErrPeerSetClosed = errors.New("pdupeer: peer set closed")
)
