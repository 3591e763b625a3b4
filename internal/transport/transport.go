// Package transport connects the domain dispatcher to a message bus.
//
// Two buses are provided. Memory keeps everything in process and is used by
// the CLI's one-shot commands and by tests. Redis consumes queues stored as
// Redis lists and publishes events over pub/sub.
//
// Both implement the housekeeping operations the maintenance scheduler
// drives, and both resubmit pending transactions through a Resubmitter.
package transport

import (
	"context"
	"log/slog"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// Dispatcher processes one inbound envelope.
// *domain.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *message.Envelope) (*message.Response, error)
}

// IdentityTopic is the channel local identities are announced on.
const IdentityTopic = "evenement.instance.presence"

// Identity is the announcement sent once per process by EmitLocalIdentity.
type Identity struct {
	InstanceID string   `json:"instance_id"`
	Domain     string   `json:"domain"`
	Queues     []string `json:"queues"`
}

// Option configures a bus.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	resubmitter *Resubmitter
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithResubmitter enables ResubmitPendingTransactions.
func WithResubmitter(r *Resubmitter) Option {
	return func(o *options) {
		o.resubmitter = r
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
