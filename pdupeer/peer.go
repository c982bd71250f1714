package pdupeer

import (
	"context"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/logiface"
	"github.com/panjf2000/ants/v2"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/pdu"
)

// PeerEventCallback is how a Peer reports PDUPeerEvents upward, to
// whatever owns it (typically a PeerSet's onPDU/onError pair, wired in
// peerset.go).
type PeerEventCallback func(Event)

// Peer couples exactly one Endpoint with one Queue and presents the
// peer-level API (spec.md §3/§4.6): EnqueuePDU, RecvPDU, a stable
// peerID, and a weak self-reference used to populate outgoing events.
type Peer struct {
	id  uint64
	log *logiface.Logger[logiface.Event]

	endpoint Endpoint
	queue    *Queue

	onEvent PeerEventCallback

	weakSelf weak.Pointer[Peer]

	pduDropCount atomic.Uint64

	pool    *ants.Pool
	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewPeer constructs a Peer around endpoint and queue. pool, if
// non-nil, runs the send worker, shared with the other peers of a
// PeerSet; if Submit fails (e.g. the pool is full) a dedicated
// goroutine is spawned instead. Pass nil to always spawn a dedicated
// goroutine per peer.
func NewPeer(id uint64, endpoint Endpoint, queue *Queue, pool *ants.Pool, log *logiface.Logger[logiface.Event]) *Peer {
	p := &Peer{
		id:       id,
		log:      fortelog.OrDiscard(log),
		endpoint: endpoint,
		queue:    queue,
		pool:     pool,
	}
	p.weakSelf = weak.Make(p)
	return p
}

// ID returns the peer's stable 64-bit identifier.
func (p *Peer) ID() uint64 { return p.id }

// PDUDropCount reports how many PDUs were dropped by EnqueuePDU because
// the endpoint was disconnected under the Block policy (spec.md §4.6).
func (p *Peer) PDUDropCount() uint64 { return p.pduDropCount.Load() }

// Stats exposes the underlying Queue's counters.
func (p *Peer) Stats() Stats { return p.queue.Stats() }

// SweepExpired pops every holder past its Queue's SendTimeout and, for
// a Callback-policy queue, re-emits each as a SendError event — the
// per-peer unit of work behind the optional shared expiry sweeper
// thread described in spec.md §5.
func (p *Peer) SweepExpired() {
	for _, expired := range p.queue.FailExpiredPDUs() {
		p.handleEndpointEvent(EventSendError, expired, ErrPDUExpired)
	}
}

// Start wires the endpoint's event callback to re-emit events upward
// with self attached as a weak reference, and launches the send
// worker. onEvent may be nil.
func (p *Peer) Start(onEvent PeerEventCallback) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.onEvent = onEvent
	p.endpoint.SetEventCallback(p.handleEndpointEvent)

	p.wg.Add(1)
	run := func() {
		defer p.wg.Done()
		p.sendLoop()
	}
	if p.pool != nil {
		if err := p.pool.Submit(run); err != nil {
			p.log.Warning().Err(err).Log("send worker pool submit failed, spawning dedicated goroutine")
			go run()
		}
	} else {
		go run()
	}
}

func (p *Peer) handleEndpointEvent(kind EventKind, pdu pdu.PDU, err error) {
	if p.onEvent == nil {
		return
	}
	p.onEvent(Event{Kind: kind, Peer: p.weakSelf, PDU: pdu, Err: err})
}

// sendLoop drains the queue and hands each PDU to the endpoint,
// reporting delivery failures as SendError events, until the queue
// shuts down (spec.md §5's "one send worker thread per PDUPeer").
func (p *Peer) sendLoop() {
	for {
		next, ok := p.queue.WaitForNextPDU()
		if !ok {
			return
		}
		if err := p.endpoint.SendPDU(next); err != nil {
			p.log.Warning().Err(err).Log("pdu send failed")
			p.handleEndpointEvent(EventSendError, next, err)
		}
	}
}

// EnqueuePDU delegates to the Queue, with the dead-peer short-circuit
// from spec.md §4.6: if the endpoint is disconnected and the queue's
// policy is Block, the PDU is dropped (pduDropCount incremented)
// instead of suspending forever on a peer that will never drain.
func (p *Peer) EnqueuePDU(ctx context.Context, pd pdu.PDU) error {
	if !p.endpoint.IsConnected() && p.queue.cfg.Policy == Block {
		p.pduDropCount.Add(1)
		return nil
	}

	err := p.queue.EnqueuePDU(ctx, pd)
	switch {
	case err == nil:
		return nil
	case err == ErrQueueFull && p.queue.cfg.Policy == Callback:
		p.handleEndpointEvent(EventSendError, pd, err)
		return nil
	default:
		return err
	}
}

// Shutdown detaches the endpoint's event callback, shuts the queue
// (waking the send worker), closes the endpoint, and waits for the
// send worker to exit.
func (p *Peer) Shutdown() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.endpoint.SetEventCallback(func(EventKind, pdu.PDU, error) {})
	p.queue.Shutdown()
	_ = p.endpoint.Close()
	p.wg.Wait()
}
