package pdupeer

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/panjf2000/ants/v2"

	"github.com/joeycumines/fortepdu/internal/fortelog"
	"github.com/joeycumines/fortepdu/netpoll"
	"github.com/joeycumines/fortepdu/pdu"
)

// PeerSetConfig configures a PeerSet.
type PeerSetConfig struct {
	// SendWorkerPoolSize sizes a shared goroutine pool that runs
	// per-peer send workers; once the pool is full, further peers get a
	// dedicated goroutine. Zero disables pooling: every peer gets a
	// dedicated goroutine.
	SendWorkerPoolSize int
	// SweepInterval, if positive, starts a Sweeper on the returned
	// PeerSet (spec.md §5's optional shared expiry-sweeper thread),
	// stopped automatically by Shutdown. With zero, expired PDUs are
	// only removed when SweepExpired is called explicitly; neither
	// EnqueuePDU nor the send worker checks for expiry.
	SweepInterval time.Duration
}

// PeerSet is the peerID -> Peer registry, owning a shared netpoll
// Monitor and re-emitting every member Peer's events through one of two
// user-supplied callbacks (spec.md §3/§4.6 PDUPeerSet).
type PeerSet struct {
	log     *logiface.Logger[logiface.Event]
	monitor *netpoll.Monitor
	pool    *ants.Pool
	sweeper *Sweeper

	onPDU   func(Event)
	onError func(Event)

	mu     sync.RWMutex
	peers  map[uint64]*Peer
	closed bool
}

// NewPeerSet constructs a PeerSet around an owned netpoll.Monitor.
// onPDU fires for EventReceivedPDU; onError fires for EventSendError
// and EventDisconnected. Either may be nil.
func NewPeerSet(cfg PeerSetConfig, onPDU, onError func(Event), log *logiface.Logger[logiface.Event]) (*PeerSet, error) {
	log = fortelog.OrDiscard(log)
	monitor, err := netpoll.New(log)
	if err != nil {
		return nil, err
	}

	var pool *ants.Pool
	if cfg.SendWorkerPoolSize > 0 {
		pool, err = ants.NewPool(cfg.SendWorkerPoolSize, ants.WithNonblocking(true))
		if err != nil {
			_ = monitor.Shutdown()
			return nil, err
		}
	}

	s := &PeerSet{
		log:     log,
		monitor: monitor,
		pool:    pool,
		onPDU:   onPDU,
		onError: onError,
		peers:   make(map[uint64]*Peer),
	}
	if cfg.SweepInterval > 0 {
		s.sweeper = NewSweeper(s, cfg.SweepInterval)
		s.sweeper.Start()
	}
	return s, nil
}

// Monitor exposes the owned netpoll.Monitor, so FileDescriptorEndpoints
// constructed for this set's peers can register against it.
func (s *PeerSet) Monitor() *netpoll.Monitor { return s.monitor }

// PeerCreate atomically inserts a new peer under id, starting its event
// wiring and send worker. It fails with ErrPeerExists for a duplicate
// id, or ErrPeerSetClosed once Shutdown has been called.
func (s *PeerSet) PeerCreate(id uint64, endpoint Endpoint, queueCfg QueueConfig) (*Peer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrPeerSetClosed
	}
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return nil, ErrPeerExists
	}
	peer := NewPeer(id, endpoint, NewQueue(queueCfg), s.pool, s.log)
	s.peers[id] = peer
	s.mu.Unlock()

	peer.Start(s.dispatch)
	return peer, nil
}

func (s *PeerSet) dispatch(ev Event) {
	switch ev.Kind {
	case EventReceivedPDU:
		if s.onPDU != nil {
			s.onPDU(ev)
		}
	case EventSendError, EventDisconnected:
		if ev.Kind == EventDisconnected {
			if p := ev.Peer.Value(); p != nil {
				s.PeerDelete(p)
			}
		}
		if s.onError != nil {
			s.onError(ev)
		}
	}
}

// PeerDelete disarms and removes peer from the set, shutting it down.
// Idempotent for a peer already removed.
func (s *PeerSet) PeerDelete(peer *Peer) {
	s.mu.Lock()
	if s.peers[peer.ID()] != peer {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.ID())
	s.mu.Unlock()

	peer.Shutdown()
}

// Peer looks up a peer by id.
func (s *PeerSet) Peer(id uint64) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Len reports the number of registered peers.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SendAll iterates the set under its read lock and enqueues p on every
// peer, catching and logging per-peer failures without aborting the
// fan-out (spec.md §4.6).
func (s *PeerSet) SendAll(ctx context.Context, p pdu.PDU) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, peer := range s.peers {
		if err := peer.EnqueuePDU(ctx, p); err != nil {
			s.log.Warning().Err(err).Log("send-all: per-peer enqueue failed")
		}
	}
}

// SweepExpired runs SweepExpired on every registered peer, submitting
// each to the shared send-worker pool when one is configured so the
// work is bounded the same way ordinary sends are. It is the unit of
// work a Sweeper calls on a timer.
func (s *PeerSet) SweepExpired() {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	pool := s.pool
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		run := func() {
			defer wg.Done()
			p.SweepExpired()
		}
		if pool != nil {
			if err := pool.Submit(run); err != nil {
				s.log.Warning().Err(err).Log("sweep pool submit failed, running inline")
				run()
			}
		} else {
			go run()
		}
	}
	wg.Wait()
}

// Shutdown tears down every peer and the owned Monitor. Idempotent.
func (s *PeerSet) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[uint64]*Peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.Shutdown()
	}
	_ = s.monitor.Shutdown()
	if s.pool != nil {
		s.pool.Release()
	}
}
