package pdupeer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/pdu"
)

// blockingEndpoint stalls its first SendPDU call until unblock is
// closed, modeling a send worker wedged on a slow connection so later
// enqueued PDUs pile up behind it long enough to expire.
type blockingEndpoint struct {
	unblock chan struct{}
}

func (f *blockingEndpoint) SendPDU(p pdu.PDU) error {
	<-f.unblock
	return nil
}
func (f *blockingEndpoint) RecvPDU() (pdu.PDU, bool)      { return pdu.PDU{}, false }
func (f *blockingEndpoint) IsPDUReady() bool              { return false }
func (f *blockingEndpoint) IsConnected() bool             { return true }
func (f *blockingEndpoint) SetEventCallback(EventCallback) {}
func (f *blockingEndpoint) Close() error                  { return nil }

var _ Endpoint = (*blockingEndpoint)(nil)

func TestSweeperReportsExpiredPDUsOnATimer(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	s := newTestPeerSet(t, nil, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ep := &blockingEndpoint{unblock: make(chan struct{})}
	defer close(ep.unblock)

	peer, err := s.PeerCreate(1, ep, QueueConfig{
		Policy:      Callback,
		SendTimeout: time.Millisecond,
	})
	require.NoError(t, err)

	// The first PDU wedges the send worker in SendPDU; the second sits
	// in the queue behind it until it expires.
	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	require.NoError(t, peer.EnqueuePDU(context.Background(), pdu.New(2, nil)))
	time.Sleep(5 * time.Millisecond)

	sweeper := NewSweeper(s, time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Kind == EventSendError && ev.Err == ErrPDUExpired {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func TestSweeperStartIsIdempotentAndStoppable(t *testing.T) {
	s := newTestPeerSet(t, nil, nil)
	sweeper := NewSweeper(s, time.Hour)
	sweeper.Start()
	sweeper.Start() // no-op, must not deadlock or double-close
	sweeper.Stop()
	sweeper.Stop() // no-op
}
