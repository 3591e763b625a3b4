package transport

import (
	"sync"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// envelopeQueue is a thread-safe FIFO of inbound envelopes.
//
// The queue is unbounded so that a dispatch may enqueue follow-up envelopes
// (resubmitted transactions) without blocking.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the consume loop.
type envelopeQueue struct {
	mu        sync.Mutex
	envelopes []*message.Envelope
	closed    bool
	signal    chan struct{} // buffered, size 1
}

func newEnvelopeQueue() *envelopeQueue {
	return &envelopeQueue{
		envelopes: make([]*message.Envelope, 0, 16),
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue adds an envelope to the back of the queue.
// Returns false if the queue is closed.
func (q *envelopeQueue) Enqueue(env *message.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.envelopes = append(q.envelopes, env)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front envelope without blocking.
func (q *envelopeQueue) TryDequeue() (*message.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.envelopes) == 0 {
		return nil, false
	}

	env := q.envelopes[0]
	// Clear the slot so the backing array does not pin the envelope.
	q.envelopes[0] = nil
	if len(q.envelopes) == 1 {
		q.envelopes = q.envelopes[:0]
	} else {
		q.envelopes = q.envelopes[1:]
	}

	return env, true
}

// Wait returns a channel that signals when envelopes may be available.
func (q *envelopeQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *envelopeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envelopes)
}

// Close stops accepting envelopes and wakes waiters.
func (q *envelopeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

func (q *envelopeQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
