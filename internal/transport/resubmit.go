package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// PendingLog is the part of the transaction log the resubmitter reads.
// *store.Store implements it.
type PendingLog interface {
	PendingTransactions(ctx context.Context, collections []string, cutoff time.Time) ([]store.Transaction, error)
	NoteResubmission(ctx context.Context, id string) error
}

// DeliverFunc hands one envelope to a bus.
type DeliverFunc func(ctx context.Context, env *message.Envelope) error

// DefaultMaxAttempts bounds how often one transaction is resubmitted.
const DefaultMaxAttempts = 5

// Resubmitter re-delivers logged transactions that were never marked applied.
//
// Only entries older than the grace period are picked up, so a command still
// being processed is not raced by its own resubmission. An entry resubmitted
// maxAttempts times is left pending in the log and no longer delivered.
type Resubmitter struct {
	log         PendingLog
	grace       time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// ResubmitterOption configures a Resubmitter.
type ResubmitterOption func(*Resubmitter)

// WithResubmitClock sets the clock used for the grace cutoff.
func WithResubmitClock(now func() time.Time) ResubmitterOption {
	return func(r *Resubmitter) {
		r.now = now
	}
}

// WithMaxAttempts sets the resubmission limit per transaction.
// Zero or less means unlimited.
func WithMaxAttempts(n int) ResubmitterOption {
	return func(r *Resubmitter) {
		r.maxAttempts = n
	}
}

// WithResubmitLogger sets the logger.
func WithResubmitLogger(l *slog.Logger) ResubmitterOption {
	return func(r *Resubmitter) {
		r.logger = l
	}
}

// NewResubmitter creates a resubmitter over log.
func NewResubmitter(log PendingLog, grace time.Duration, opts ...ResubmitterOption) *Resubmitter {
	r := &Resubmitter{
		log:         log,
		grace:       grace,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resubmit delivers every pending transaction of collections, oldest first.
// Stops at the first delivery failure and returns the number delivered.
func (r *Resubmitter) Resubmit(ctx context.Context, collections []string, deliver DeliverFunc) (int, error) {
	cutoff := r.now().Add(-r.grace)
	pending, err := r.log.PendingTransactions(ctx, collections, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resubmit: %w", err)
	}

	delivered := 0
	for _, tx := range pending {
		if r.exhausted(tx.Attempts) {
			continue
		}
		if err := deliver(ctx, TransactionEnvelope(tx)); err != nil {
			return delivered, fmt.Errorf("resubmit %s: %w", tx.ID, err)
		}
		if err := r.log.NoteResubmission(ctx, tx.ID); err != nil {
			return delivered, fmt.Errorf("resubmit %s: %w", tx.ID, err)
		}
		delivered++
		if r.exhausted(tx.Attempts + 1) {
			r.logger.WarnContext(ctx, "transaction reached resubmission limit",
				"transaction_id", tx.ID,
				"action", tx.Action,
				"attempts", tx.Attempts+1,
			)
		}
	}

	if delivered > 0 {
		r.logger.InfoContext(ctx, "transactions resubmitted",
			"count", delivered,
			"collections", collections,
		)
	}
	return delivered, nil
}

func (r *Resubmitter) exhausted(attempts int) bool {
	return r.maxAttempts > 0 && attempts >= r.maxAttempts
}

// TransactionEnvelope rebuilds the transaction envelope of a log entry.
// It is sent on the secure exchange on behalf of the original subject.
func TransactionEnvelope(tx store.Transaction) *message.Envelope {
	return &message.Envelope{
		ID:            tx.ID,
		Category:      message.CategoryTransaction,
		Domain:        tx.Domain,
		Action:        tx.Action,
		Payload:       tx.Payload,
		CorrelationID: tx.CorrelationID,
		Trust: trust.Context{
			SubjectID:      tx.Trust.SubjectID,
			ExchangeLevels: []trust.Level{trust.L4Secure},
		},
	}
}
