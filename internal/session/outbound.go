package session

import (
	"context"
	"errors"
	"sync"

	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// Errors returned by Outbound.Next once a queue stops accepting work.
var (
	// ErrQueueClosed means the connection was destroyed; writers stop.
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrQueueDrained means a closing connection has flushed its backlog.
	ErrQueueDrained = errors.New("outbound queue drained")
)

// EnqueueResult classifies one enqueue attempt.
type EnqueueResult int

const (
	// EnqueueOK means the envelope was queued without displacing anything.
	EnqueueOK EnqueueResult = iota
	// EnqueueDisplaced means the queue was full and the oldest unsent
	// envelope was dropped to make room (slow consumer).
	EnqueueDisplaced
	// EnqueueRefused means the queue no longer accepts envelopes.
	EnqueueRefused
)

// Outbound is a connection's bounded delivery queue. A publisher never
// blocks on it: overflow drops the oldest unsent envelope. Exactly one
// writer goroutine consumes it via Next.
type Outbound struct {
	mu        sync.Mutex
	items     []*hub.Envelope
	capacity  int
	draining  bool
	closed    bool
	displaced uint64
	wake      chan struct{}
}

// NewOutbound creates a queue with the given capacity (minimum 1).
func NewOutbound(capacity int) *Outbound {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbound{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// TryEnqueue appends the envelope, dropping the oldest unsent one when the
// queue is full. It never blocks.
func (q *Outbound) TryEnqueue(env *hub.Envelope) EnqueueResult {
	q.mu.Lock()
	if q.draining || q.closed {
		q.mu.Unlock()
		return EnqueueRefused
	}
	result := EnqueueOK
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.displaced++
		result = EnqueueDisplaced
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	q.signal()
	return result
}

// Next blocks until an envelope is available or the queue terminates.
// In-flight items already queued are still returned while draining.
func (q *Outbound) Next(ctx context.Context) (*hub.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.draining {
			q.mu.Unlock()
			return nil, ErrQueueDrained
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// TakeBatch removes up to max immediately available envelopes without
// blocking. Used by the long-poll drain path.
func (q *Outbound) TakeBatch(max int) []*hub.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]*hub.Envelope, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// StartDraining stops new enqueues; queued items remain consumable.
func (q *Outbound) StartDraining() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.signal()
}

// Close terminates the queue. Pending items are discarded.
func (q *Outbound) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of queued envelopes.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Displaced returns how many envelopes this queue has dropped.
func (q *Outbound) Displaced() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.displaced
}

func (q *Outbound) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
