package pdupeer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/pdu"
)

func newTestPeerSet(t *testing.T, onPDU, onError func(Event)) *PeerSet {
	t.Helper()
	s, err := NewPeerSet(PeerSetConfig{}, onPDU, onError, nil)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestPeerSetCreateAndLookup(t *testing.T) {
	s := newTestPeerSet(t, nil, nil)

	p, err := s.PeerCreate(1, NewInProcessEndpoint(), QueueConfig{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.ID())

	got, ok := s.Peer(1)
	require.True(t, ok)
	require.Same(t, p, got)
	require.Equal(t, 1, s.Len())
}

func TestPeerSetCreateDuplicateIDFails(t *testing.T) {
	s := newTestPeerSet(t, nil, nil)
	_, err := s.PeerCreate(1, NewInProcessEndpoint(), QueueConfig{})
	require.NoError(t, err)
	_, err = s.PeerCreate(1, NewInProcessEndpoint(), QueueConfig{})
	require.ErrorIs(t, err, ErrPeerExists)
}

func TestPeerSetDispatchesReceivedPDUToOnPDU(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	s := newTestPeerSet(t, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, nil)

	endpoint := NewInProcessEndpoint()
	_, err := s.PeerCreate(1, endpoint, QueueConfig{})
	require.NoError(t, err)

	require.NoError(t, endpoint.SendPDU(pdu.New(3, nil)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0].Kind == EventReceivedPDU
	}, time.Second, 5*time.Millisecond)
}

func TestPeerSetRemovesPeerOnDisconnect(t *testing.T) {
	var mu sync.Mutex
	var gotDisconnect bool
	s := newTestPeerSet(t, nil, func(ev Event) {
		if ev.Kind == EventDisconnected {
			mu.Lock()
			gotDisconnect = true
			mu.Unlock()
		}
	})

	endpoint := NewInProcessEndpoint()
	_, err := s.PeerCreate(1, endpoint, QueueConfig{})
	require.NoError(t, err)

	require.NoError(t, endpoint.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotDisconnect
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPeerSetSendAllFansOutAndSurvivesPerPeerFailure(t *testing.T) {
	// PeerCreate replaces the endpoint's callback with the peer's own,
	// so deliveries on the in-process loopback surface through onPDU.
	var received []pdu.PDU
	var mu sync.Mutex
	s := newTestPeerSet(t, func(ev Event) {
		mu.Lock()
		received = append(received, ev.PDU)
		mu.Unlock()
	}, nil)

	ok := NewInProcessEndpoint()
	_, err := s.PeerCreate(1, ok, QueueConfig{})
	require.NoError(t, err)

	// a peer whose endpoint fails every send still gets enqueued
	// against; SendAll must still deliver to the healthy peer.
	failing := &fakeEndpoint{sendErr: ErrSendFailed}
	_, err = s.PeerCreate(2, failing, QueueConfig{})
	require.NoError(t, err)

	s.SendAll(context.Background(), pdu.New(11, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPeerSetShutdownStopsAllPeers(t *testing.T) {
	s, err := NewPeerSet(PeerSetConfig{}, nil, nil, nil)
	require.NoError(t, err)

	_, err = s.PeerCreate(1, NewInProcessEndpoint(), QueueConfig{})
	require.NoError(t, err)
	_, err = s.PeerCreate(2, NewInProcessEndpoint(), QueueConfig{})
	require.NoError(t, err)

	s.Shutdown()
	require.Equal(t, 0, s.Len())

	_, err = s.PeerCreate(3, NewInProcessEndpoint(), QueueConfig{})
	require.ErrorIs(t, err, ErrPeerSetClosed)
}
