package pdupeer

import (
	"errors"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/pdu"
)

// SecondaryFactory constructs and connects the read-only secondary
// endpoint a MirroredEndpoint fails over to, targeting whatever
// "alternateTarget" the caller closed over (spec.md §4.4).
type SecondaryFactory func() (Endpoint, error)

// MirroredEndpoint delegates to a primary Endpoint until SendPDU (the
// only operation this package classifies as mutating) fails with an
// I/O-class error, at which point it fails over, once and latched, to a
// secondary built by its SecondaryFactory. While the secondary is
// active, SendPDU always fails with ErrReadOnly; reads keep working
// against whichever endpoint is current.
type MirroredEndpoint struct {
	log *logiface.Logger[logiface.Event]

	mu         sync.Mutex
	primary    Endpoint
	secondary  Endpoint
	factory    SecondaryFactory
	failedOver bool

	cbMu sync.Mutex
	cb   EventCallback
}

var _ Endpoint = (*MirroredEndpoint)(nil)

// NewMirroredEndpoint wraps primary, with factory used to build the
// secondary endpoint on first I/O failure.
func NewMirroredEndpoint(primary Endpoint, factory SecondaryFactory, log *logiface.Logger[logiface.Event]) *MirroredEndpoint {
	return &MirroredEndpoint{
		log:     fortelog.OrDiscard(log),
		primary: primary,
		factory: factory,
	}
}

func (e *MirroredEndpoint) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.primary.SetEventCallback(e.forward)
	if e.secondary != nil {
		e.secondary.SetEventCallback(e.forward)
	}
}

func (e *MirroredEndpoint) forward(kind EventKind, p pdu.PDU, err error) {
	e.cbMu.Lock()
	cb := e.cb
	e.cbMu.Unlock()
	if cb != nil {
		cb(kind, p, err)
	}
}

// active returns the endpoint reads should target.
func (e *MirroredEndpoint) active() Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failedOver && e.secondary != nil {
		return e.secondary
	}
	return e.primary
}

// SendPDU is the sole mutating operation. Once failed over, it always
// returns ErrReadOnly.
func (e *MirroredEndpoint) SendPDU(p pdu.PDU) error {
	e.mu.Lock()
	if e.failedOver {
		e.mu.Unlock()
		return ErrReadOnly
	}
	primary := e.primary
	e.mu.Unlock()

	err := primary.SendPDU(p)
	if err == nil {
		return nil
	}
	if !isIOFailure(err) {
		return err
	}

	if ferr := e.failover(); ferr != nil {
		e.log.Warning().Err(ferr).Log("mirrored endpoint failover attempt failed")
	}
	// The triggering call always reports its own I/O failure, per
	// spec.md's "On any error SendPDU throws SendFailed" — ErrReadOnly
	// is reserved for later calls made after failover has latched.
	return err
}

// failover constructs the secondary (if not already present) and
// latches failedOver. It never returns to primary once latched.
func (e *MirroredEndpoint) failover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failedOver {
		return nil
	}
	if e.secondary == nil {
		sec, err := e.factory()
		if err != nil {
			return err
		}
		sec.SetEventCallback(e.forward)
		e.secondary = sec
	}
	e.failedOver = true
	e.log.Warning().Log("mirrored endpoint failed over to secondary; now read-only")
	return nil
}

func (e *MirroredEndpoint) RecvPDU() (pdu.PDU, bool) {
	return e.active().RecvPDU()
}

func (e *MirroredEndpoint) IsPDUReady() bool {
	return e.active().IsPDUReady()
}

func (e *MirroredEndpoint) IsConnected() bool {
	return e.active().IsConnected()
}

func (e *MirroredEndpoint) Close() error {
	e.mu.Lock()
	primary, secondary := e.primary, e.secondary
	e.mu.Unlock()

	err := primary.Close()
	if secondary != nil {
		if serr := secondary.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// isIOFailure classifies an Endpoint error as the kind of failure that
// should trigger mirrored failover, as opposed to e.g. ErrReadOnly
// (already-failed-over) or ErrEndpointClosed-by-caller-intent.
func isIOFailure(err error) bool {
	return errors.Is(err, ErrSendFailed)
}
