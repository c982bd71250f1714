package pdupeer

import (
	"context"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/fortepdu/pdu"
)

// Policy selects how EnqueuePDU behaves once a Queue is at capacity
// (spec.md §4.5).
type Policy int

const (
	// Block suspends the producer until capacity frees up or the queue
	// shuts down.
	Block Policy = iota
	// Callback fails the enqueue with ErrQueueFull; the caller is
	// expected to translate that into a SendError event.
	Callback
	// Throw fails the enqueue with ErrQueueFull for the caller to
	// propagate as an exception/error return.
	Throw
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "Block"
	case Callback:
		return "Callback"
	case Throw:
		return "Throw"
	default:
		return "Unknown"
	}
}

// QueueConfig configures a Queue. The zero value is not valid; use
// NewQueue, which defaults Capacity.
type QueueConfig struct {
	// Capacity is the maximum number of holders the queue may retain.
	// Defaults to 256.
	Capacity int64
	// Policy selects backpressure behavior once at Capacity.
	Policy Policy
	// SendTimeout bounds how long a holder may sit in the queue before
	// FailExpiredPDUs considers it expired. Zero disables expiry.
	SendTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	return c
}

// holder pairs a PDU with its monotonic enqueue instant (spec.md §3
// PDUHolder). It lives only inside a Queue.
type holder struct {
	pdu        pdu.PDU
	enqueuedAt time.Time
}

// Stats is a snapshot of a Queue's counters.
type Stats struct {
	TotalQueued      uint64
	QueueSize        int
	AverageQueueSize float64
}

// Queue is a per-peer outbound FIFO with pluggable backpressure policy,
// capacity, and deadline-based expiry (spec.md §3/§4.5). The ordering
// key is a monotonically increasing sequence number; orderedmap gives
// O(1) pop-from-front and mid-sequence removal, neither of which a
// plain slice does well once expiry is involved.
type Queue struct {
	cfg QueueConfig
	sem *semaphore.Weighted

	mu       sync.Mutex
	notEmpty *sync.Cond
	items    *orderedmap.OrderedMap[uint64, holder]
	nextSeq  uint64

	totalQueued  uint64
	sizeSamples  uint64
	sizeSum      float64

	shutdown bool
	closeCh  chan struct{}
}

// NewQueue constructs a Queue. cfg is defaulted via withDefaults.
func NewQueue(cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Capacity),
		items:   orderedmap.New[uint64, holder](),
		closeCh: make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// EnqueuePDU appends p, applying the configured Policy (spec.md §4.5).
func (q *Queue) EnqueuePDU(ctx context.Context, p pdu.PDU) error {
	switch q.cfg.Policy {
	case Block:
		if err := q.acquireOrShutdown(ctx); err != nil {
			return err
		}
		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			q.sem.Release(1)
			return ErrQueueShutdown
		}
		q.pushLocked(p)
		q.mu.Unlock()
		q.notEmpty.Broadcast()
		return nil

	default: // Callback, Throw
		if !q.sem.TryAcquire(1) {
			return ErrQueueFull
		}
		q.mu.Lock()
		if q.shutdown {
			q.mu.Unlock()
			q.sem.Release(1)
			return ErrQueueShutdown
		}
		q.pushLocked(p)
		q.mu.Unlock()
		q.notEmpty.Broadcast()
		return nil
	}
}

// acquireOrShutdown blocks in sem.Acquire(ctx, 1), but also unblocks
// the instant Shutdown closes closeCh — Release alone can't do this
// (it would have to over-release past however many permits are
// actually held, which panics), so the wait is bound to a derived
// context that Shutdown cancels instead.
func (q *Queue) acquireOrShutdown(ctx context.Context) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-q.closeCh:
			cancel()
		case <-done:
		}
	}()

	if err := q.sem.Acquire(acquireCtx, 1); err != nil {
		q.mu.Lock()
		shutdown := q.shutdown
		q.mu.Unlock()
		if shutdown {
			return ErrQueueShutdown
		}
		return err
	}
	return nil
}

// pushLocked appends p as a new holder, stamping enqueuedAt and
// updating stats. mu must be held.
func (q *Queue) pushLocked(p pdu.PDU) {
	seq := q.nextSeq
	q.nextSeq++
	q.items.Set(seq, holder{pdu: p, enqueuedAt: time.Now()})
	q.totalQueued++
	q.recordSizeLocked()
}

func (q *Queue) recordSizeLocked() {
	q.sizeSamples++
	q.sizeSum += float64(q.items.Len())
}

// frontLocked returns and removes the oldest holder. mu must be held,
// and the queue must be non-empty.
func (q *Queue) frontLocked() holder {
	pair := q.items.Oldest()
	q.items.Delete(pair.Key)
	q.recordSizeLocked()
	return pair.Value
}

// WaitForNextPDU blocks until a PDU is available or the queue shuts
// down, per spec.md §4.5. It returns false only on shutdown with an
// empty queue.
func (q *Queue) WaitForNextPDU() (pdu.PDU, bool) {
	q.mu.Lock()
	for q.items.Len() == 0 && !q.shutdown {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return pdu.PDU{}, false
	}
	h := q.frontLocked()
	q.mu.Unlock()
	q.sem.Release(1)
	return h.pdu, true
}

// GetNextPDU is the non-blocking variant of WaitForNextPDU.
func (q *Queue) GetNextPDU() (pdu.PDU, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return pdu.PDU{}, false
	}
	h := q.frontLocked()
	q.mu.Unlock()
	q.sem.Release(1)
	return h.pdu, true
}

// FailExpiredPDUs pops every holder older than SendTimeout from the
// head, returning the ones that should be reported as SendError under
// the Callback policy. Under Block/Throw the expired PDUs are silently
// discarded, matching spec.md §4.5 and resolving the commented-out
// source behavior per §8's Open Question (spec.md §9).
func (q *Queue) FailExpiredPDUs() []pdu.PDU {
	if q.cfg.SendTimeout <= 0 {
		return nil
	}

	var expired []pdu.PDU
	var popped int64
	now := time.Now()

	q.mu.Lock()
	for {
		pair := q.items.Oldest()
		if pair == nil || now.Sub(pair.Value.enqueuedAt) <= q.cfg.SendTimeout {
			break
		}
		q.items.Delete(pair.Key)
		q.recordSizeLocked()
		popped++
		if q.cfg.Policy == Callback {
			expired = append(expired, pair.Value.pdu)
		}
	}
	q.mu.Unlock()

	if popped > 0 {
		q.sem.Release(popped)
	}
	return expired
}

// Shutdown wakes every blocked producer and consumer and marks the
// queue closed; subsequent EnqueuePDU calls return ErrQueueShutdown.
// Closing closeCh (rather than releasing the semaphore) is what wakes
// a Block-policy producer parked in EnqueuePDU on a full queue — see
// acquireOrShutdown. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	q.mu.Unlock()
	close(q.closeCh)
	q.notEmpty.Broadcast()
}

// Len returns the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		TotalQueued: q.totalQueued,
		QueueSize:   q.items.Len(),
	}
	if q.sizeSamples > 0 {
		s.AverageQueueSize = q.sizeSum / float64(q.sizeSamples)
	}
	return s
}
