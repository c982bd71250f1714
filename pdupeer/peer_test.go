package pdupeer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/pdu"
)

func TestPeerSendLoopDeliversThroughEndpoint(t *testing.T) {
	remote := NewInProcessEndpoint()

	var mu sync.Mutex
	var received []pdu.PDU
	remote.SetEventCallback(func(kind EventKind, p pdu.PDU, err error) {
		if kind != EventReceivedPDU {
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	})

	// local.SendPDU normally just delivers to local's own callback;
	// to model a connection, bridge local's send to remote directly.
	bridge := &bridgingEndpoint{target: remote}

	peer := NewPeer(1, bridge, NewQueue(QueueConfig{Capacity: 4}), nil, nil)
	peer.Start(nil)
	defer peer.Shutdown()

	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(5, []byte("hi"))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint32(5), received[0].Opcode)
}

func TestPeerSendFailureEmitsSendErrorEvent(t *testing.T) {
	failing := &fakeEndpoint{sendErr: ErrSendFailed}
	peer := NewPeer(1, failing, NewQueue(QueueConfig{Capacity: 4}), nil, nil)

	var mu sync.Mutex
	var events []Event
	peer.Start(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer peer.Shutdown()

	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(1, nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Kind == EventSendError {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPeerEnqueueDropsWhenDisconnectedUnderBlockPolicy(t *testing.T) {
	disconnected := &fakeEndpoint{closed: true}
	peer := NewPeer(1, disconnected, NewQueue(QueueConfig{Capacity: 4, Policy: Block}), nil, nil)

	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	require.Equal(t, uint64(1), peer.PDUDropCount())
	require.Equal(t, 0, peer.Stats().QueueSize)
}

func TestPeerWeakEventReferenceResolves(t *testing.T) {
	failing := &fakeEndpoint{sendErr: ErrSendFailed}
	peer := NewPeer(42, failing, NewQueue(QueueConfig{Capacity: 4}), nil, nil)

	var mu sync.Mutex
	var gotID uint64
	var ok bool
	peer.Start(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if p := ev.Peer.Value(); p != nil {
			gotID = p.ID()
			ok = true
		}
	})
	defer peer.Shutdown()

	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(1, nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(42), gotID)
}

// bridgingEndpoint wraps an InProcessEndpoint so SendPDU delivers into
// a distinct target endpoint's callback, modeling a connected link
// between two otherwise-isolated InProcessEndpoints.
type bridgingEndpoint struct {
	target *InProcessEndpoint
	cb     EventCallback
}

func (b *bridgingEndpoint) SendPDU(p pdu.PDU) error {
	return b.target.SendPDU(p)
}
func (b *bridgingEndpoint) RecvPDU() (pdu.PDU, bool)       { return pdu.PDU{}, false }
func (b *bridgingEndpoint) IsPDUReady() bool               { return false }
func (b *bridgingEndpoint) IsConnected() bool              { return true }
func (b *bridgingEndpoint) SetEventCallback(cb EventCallback) { b.cb = cb }
func (b *bridgingEndpoint) Close() error                   { return nil }

var _ Endpoint = (*bridgingEndpoint)(nil)
