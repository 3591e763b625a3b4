package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// ErrClosed is returned when submitting to a closed bus.
var ErrClosed = errors.New("bus closed")

// errNoResubmitter is returned by ResubmitPendingTransactions without a Resubmitter.
var errNoResubmitter = errors.New("no resubmitter configured")

// Published is an event recorded by the memory bus.
type Published struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Memory is an in-process bus.
//
// Envelopes are dispatched one at a time in submission order, which makes
// runs reproducible. Events and replies are recorded for inspection.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	queue       *envelopeQueue
	logger      *slog.Logger
	resubmitter *Resubmitter
	instanceID  string

	rebuild   atomic.Bool
	refreshes atomic.Int64

	mu      sync.Mutex
	events  []Published
	replies map[string][]*message.Response
}

// NewMemory creates an empty memory bus.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		queue:       newEnvelopeQueue(),
		logger:      o.logger,
		resubmitter: o.resubmitter,
		instanceID:  uuid.NewString(),
		replies:     make(map[string][]*message.Response),
	}
}

// Submit enqueues an envelope for dispatch.
func (m *Memory) Submit(_ context.Context, env *message.Envelope) error {
	if !m.queue.Enqueue(env) {
		return ErrClosed
	}
	return nil
}

// Pending returns the number of envelopes waiting for dispatch.
func (m *Memory) Pending() int {
	return m.queue.Len()
}

// Drain dispatches queued envelopes until the queue is empty, including
// envelopes submitted while draining. Returns the number dispatched.
func (m *Memory) Drain(ctx context.Context, d Dispatcher) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		env, ok := m.queue.TryDequeue()
		if !ok {
			return n, nil
		}
		m.deliver(ctx, d, env)
		n++
	}
}

// Consume dispatches envelopes as they arrive until ctx is cancelled or the
// bus is closed.
func (m *Memory) Consume(ctx context.Context, d Dispatcher) error {
	for {
		if _, err := m.Drain(ctx, d); err != nil {
			return err
		}
		if m.queue.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.Wait():
		}
	}
}

func (m *Memory) deliver(ctx context.Context, d Dispatcher, env *message.Envelope) {
	resp, err := d.Dispatch(ctx, env)
	if err != nil {
		m.logger.WarnContext(ctx, "dispatch failed",
			"routing_key", env.RoutingKey(),
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return
	}
	if resp != nil && env.ReplyTo != "" {
		_ = m.Reply(ctx, env.ReplyTo, resp)
	}
}

// Reply records resp under replyTo.
func (m *Memory) Reply(_ context.Context, replyTo string, resp *message.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[replyTo] = append(m.replies[replyTo], resp)
	return nil
}

// Replies returns the responses sent to replyTo.
func (m *Memory) Replies(replyTo string) []*message.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*message.Response(nil), m.replies[replyTo]...)
}

// PublishEvent records an event.
func (m *Memory) PublishEvent(_ context.Context, topic string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Topic: topic, Payload: encoded})
	return nil
}

// Events returns the published events in order.
func (m *Memory) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.events...)
}

// SetBulkRebuild sets the bulk rebuild flag.
func (m *Memory) SetBulkRebuild(active bool) {
	m.rebuild.Store(active)
}

// IsBulkRebuildActive reports the flag set by SetBulkRebuild.
func (m *Memory) IsBulkRebuildActive(context.Context) bool {
	return m.rebuild.Load()
}

// RefreshTrustMaterial counts refreshes; the memory bus has no trust store.
func (m *Memory) RefreshTrustMaterial(context.Context) error {
	m.refreshes.Add(1)
	return nil
}

// Refreshes returns the number of RefreshTrustMaterial calls.
func (m *Memory) Refreshes() int64 {
	return m.refreshes.Load()
}

// EmitLocalIdentity publishes the bus instance identity.
func (m *Memory) EmitLocalIdentity(ctx context.Context) error {
	return m.PublishEvent(ctx, IdentityTopic, Identity{InstanceID: m.instanceID})
}

// ResubmitPendingTransactions resubmits pending transactions into the queue.
func (m *Memory) ResubmitPendingTransactions(ctx context.Context, collections []string) error {
	if m.resubmitter == nil {
		return errNoResubmitter
	}
	_, err := m.resubmitter.Resubmit(ctx, collections, m.Submit)
	return err
}

// Close stops accepting envelopes and ends Consume.
func (m *Memory) Close() {
	m.queue.Close()
}
