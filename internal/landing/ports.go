package landing

import (
	"context"

	"github.com/google/uuid"

	"github.com/dugrema/millegrilles-landing/internal/store"
)

// DocumentStore is the subset of the document store the domain writes and
// reads. *store.Store implements it.
type DocumentStore interface {
	Upsert(ctx context.Context, collection string, filter store.Filter, u store.Update) (store.Document, error)
	Find(ctx context.Context, collection string, filter store.Filter, opts store.FindOptions) ([]store.Document, error)
	FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, bool, error)
	EnsureUniqueIndex(ctx context.Context, collection, field, name string) error
}

// TransactionLog records commands before they are applied.
// *store.Store implements it.
type TransactionLog interface {
	RecordTransaction(ctx context.Context, t store.Transaction) (bool, error)
	MarkTransactionApplied(ctx context.Context, id string) error
}

// EventPublisher broadcasts domain events on the bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, payload any) error
}

// IDGenerator assigns transaction ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 transaction ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7.
// Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
