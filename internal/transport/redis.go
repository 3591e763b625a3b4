package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// RedisConfig names the keys and channels the Redis bus uses.
type RedisConfig struct {
	// Domain is announced in the local identity.
	Domain string
	// Queues are the lists consumed, in priority order.
	Queues []string
	// TransactionQueue receives resubmitted transactions.
	TransactionQueue string
	// RebuildKey holds "1" or "true" while a bulk rebuild runs.
	RebuildKey string
	// TrustRootsKey is a hash of trust anchors by fingerprint.
	TrustRootsKey string
	// Concurrency bounds the dispatches running at once.
	Concurrency int
	// PollTimeout bounds each blocking pop so cancellation is noticed.
	PollTimeout time.Duration
}

// Redis is a bus backed by Redis lists and pub/sub.
//
// Inbound envelopes are JSON documents pushed on the queue lists. Replies
// are pushed on the list named by the envelope's reply_to, and events are
// published on a channel named by their topic.
//
// Thread-safety: all methods are safe for concurrent use.
type Redis struct {
	client      redis.UniversalClient
	cfg         RedisConfig
	logger      *slog.Logger
	resubmitter *Resubmitter
	instanceID  string

	mu         sync.RWMutex
	trustRoots map[string]string
}

// NewRedis creates a Redis bus over client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, opts ...Option) *Redis {
	o := buildOptions(opts)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Redis{
		client:      client,
		cfg:         cfg,
		logger:      o.logger,
		resubmitter: o.resubmitter,
		instanceID:  uuid.NewString(),
		trustRoots:  map[string]string{},
	}
}

// Submit pushes an envelope on queue.
func (r *Redis) Submit(ctx context.Context, queue string, env *message.Envelope) error {
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("submit to %s: %w", queue, err)
	}
	if err := r.client.RPush(ctx, queue, encoded).Err(); err != nil {
		return fmt.Errorf("submit to %s: %w", queue, err)
	}
	return nil
}

// Consume pops envelopes from the configured queues and dispatches them
// concurrently, up to Concurrency at a time. It returns when ctx is cancelled,
// after in-flight dispatches have finished.
func (r *Redis) Consume(ctx context.Context, d Dispatcher) error {
	if len(r.cfg.Queues) == 0 {
		return errors.New("consume: no queues configured")
	}

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		queue, env, err := r.pop(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			var decodeErr *envelopeDecodeError
			if errors.As(err, &decodeErr) {
				r.logger.ErrorContext(ctx, "malformed envelope dropped", "queue", queue, "error", err)
				continue
			}
			return fmt.Errorf("consume: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.deliver(ctx, d, queue, env)
		}()
	}
}

type envelopeDecodeError struct {
	err error
}

func (e *envelopeDecodeError) Error() string {
	return "decode envelope: " + e.err.Error()
}

func (e *envelopeDecodeError) Unwrap() error {
	return e.err
}

// pop waits up to PollTimeout for one envelope. Returns redis.Nil on timeout.
func (r *Redis) pop(ctx context.Context) (string, *message.Envelope, error) {
	result, err := r.client.BLPop(ctx, r.cfg.PollTimeout, r.cfg.Queues...).Result()
	if err != nil {
		return "", nil, err
	}
	// BLPOP answers [key, value].
	queue, raw := result[0], result[1]

	var env message.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return queue, nil, &envelopeDecodeError{err: err}
	}
	return queue, &env, nil
}

func (r *Redis) deliver(ctx context.Context, d Dispatcher, queue string, env *message.Envelope) {
	resp, err := d.Dispatch(ctx, env)
	if err != nil {
		r.logger.WarnContext(ctx, "dispatch failed",
			"queue", queue,
			"routing_key", env.RoutingKey(),
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return
	}
	if resp == nil || env.ReplyTo == "" {
		return
	}
	if err := r.Reply(ctx, env.ReplyTo, resp); err != nil {
		r.logger.ErrorContext(ctx, "reply failed",
			"reply_to", env.ReplyTo,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
	}
}

// Reply pushes resp on the replyTo list.
func (r *Redis) Reply(ctx context.Context, replyTo string, resp *message.Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("reply to %s: %w", replyTo, err)
	}
	if err := r.client.RPush(ctx, replyTo, encoded).Err(); err != nil {
		return fmt.Errorf("reply to %s: %w", replyTo, err)
	}
	return nil
}

// PublishEvent publishes payload as JSON on the topic channel.
func (r *Redis) PublishEvent(ctx context.Context, topic string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := r.client.Publish(ctx, topic, encoded).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsBulkRebuildActive reads the rebuild flag. A read failure counts as
// active, so maintenance waits for the next tick.
func (r *Redis) IsBulkRebuildActive(ctx context.Context) bool {
	value, err := r.client.Get(ctx, r.cfg.RebuildKey).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		r.logger.WarnContext(ctx, "rebuild flag unreadable", "key", r.cfg.RebuildKey, "error", err)
		return true
	}
	active, err := strconv.ParseBool(value)
	return err == nil && active
}

// RefreshTrustMaterial reloads the trust anchors.
// An empty hash is an error: the domain cannot verify anyone without them.
func (r *Redis) RefreshTrustMaterial(ctx context.Context) error {
	roots, err := r.client.HGetAll(ctx, r.cfg.TrustRootsKey).Result()
	if err != nil {
		return fmt.Errorf("refresh trust material: %w", err)
	}
	if len(roots) == 0 {
		return fmt.Errorf("refresh trust material: %s is empty", r.cfg.TrustRootsKey)
	}

	r.mu.Lock()
	r.trustRoots = roots
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "trust material refreshed", "anchors", len(roots))
	return nil
}

// TrustRoots returns the anchors loaded by the last refresh.
func (r *Redis) TrustRoots() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.trustRoots)
}

// EmitLocalIdentity announces this instance.
func (r *Redis) EmitLocalIdentity(ctx context.Context) error {
	return r.PublishEvent(ctx, IdentityTopic, Identity{
		InstanceID: r.instanceID,
		Domain:     r.cfg.Domain,
		Queues:     r.cfg.Queues,
	})
}

// ResubmitPendingTransactions pushes pending transactions on TransactionQueue.
func (r *Redis) ResubmitPendingTransactions(ctx context.Context, collections []string) error {
	if r.resubmitter == nil {
		return errNoResubmitter
	}
	_, err := r.resubmitter.Resubmit(ctx, collections, func(ctx context.Context, env *message.Envelope) error {
		return r.Submit(ctx, r.cfg.TransactionQueue, env)
	})
	return err
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
