package pdupeer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/pdu"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(i, nil)))
	}
	for i := uint32(0); i < 3; i++ {
		p, ok := q.GetNextPDU()
		require.True(t, ok)
		require.Equal(t, i, p.Opcode)
	}
	_, ok := q.GetNextPDU()
	require.False(t, ok)
}

func TestQueueThrowPolicyFullReturnsError(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Throw})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	err := q.EnqueuePDU(context.Background(), pdu.New(2, nil))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueCallbackPolicyFullReturnsError(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Callback})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	err := q.EnqueuePDU(context.Background(), pdu.New(2, nil))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueBlockPolicyWaitsForCapacity(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Block})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))

	done := make(chan error, 1)
	go func() {
		done <- q.EnqueuePDU(context.Background(), pdu.New(2, nil))
	}()

	select {
	case <-done:
		t.Fatal("enqueue should have blocked at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.GetNextPDU()
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never unblocked after capacity freed")
	}
}

func TestQueueBlockPolicyRespectsContextCancellation(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Block})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.EnqueuePDU(ctx, pdu.New(2, nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueShutdownUnblocksBlockPolicyProducerOnFullQueue(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Block})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))

	done := make(chan error, 1)
	go func() {
		// ctx has no deadline of its own; only Shutdown can unblock this.
		done <- q.EnqueuePDU(context.Background(), pdu.New(2, nil))
	}()

	select {
	case <-done:
		t.Fatal("enqueue should have blocked at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	q.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueShutdown)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never unblocked after Shutdown")
	}
}

func TestQueueEnqueueAfterShutdown(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	q.Shutdown()
	err := q.EnqueuePDU(context.Background(), pdu.New(1, nil))
	require.ErrorIs(t, err, ErrQueueShutdown)
}

func TestQueueWaitForNextPDUUnblocksOnShutdown(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	done := make(chan bool, 1)
	go func() {
		_, ok := q.WaitForNextPDU()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Shutdown()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForNextPDU never woke on shutdown")
	}
}

func TestQueueFailExpiredPDUsCallbackPolicyReportsExpired(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4, Policy: Callback, SendTimeout: 10 * time.Millisecond})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	time.Sleep(20 * time.Millisecond)

	expired := q.FailExpiredPDUs()
	require.Len(t, expired, 1)
	require.Equal(t, 0, q.Len())
}

func TestQueueFailExpiredPDUsBlockPolicyDiscardsSilentlyButFreesCapacity(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, Policy: Block, SendTimeout: 10 * time.Millisecond})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	time.Sleep(20 * time.Millisecond)

	expired := q.FailExpiredPDUs()
	require.Empty(t, expired)
	require.Equal(t, 0, q.Len())

	// capacity must have been freed by the expiry, not just silently lost
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(2, nil)))
}

func TestQueueStats(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(1, nil)))
	require.NoError(t, q.EnqueuePDU(context.Background(), pdu.New(2, nil)))
	s := q.Stats()
	require.Equal(t, uint64(2), s.TotalQueued)
	require.Equal(t, 2, s.QueueSize)
}
