package landing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
)

// Domain wires the Landing handlers to their collaborators.
type Domain struct {
	docs    DocumentStore
	txlog   TransactionLog
	events  EventPublisher
	ids     IDGenerator
	logger  *slog.Logger
	applier *Applier

	applierOpts []ApplierOption
}

// Option configures a Domain.
type Option func(*Domain)

// WithIDGenerator sets the transaction id generator (default: UUIDv7Generator).
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Domain) {
		d.ids = g
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Domain) {
		d.logger = l
	}
}

// WithClock sets the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(d *Domain) {
		d.applierOpts = append(d.applierOpts, WithApplierClock(now))
	}
}

// WithTracer sets the tracer used for apply spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Domain) {
		d.applierOpts = append(d.applierOpts, WithApplierTracer(t))
	}
}

// New creates the Landing domain.
func New(docs DocumentStore, txlog TransactionLog, events EventPublisher, opts ...Option) *Domain {
	d := &Domain{
		docs:   docs,
		txlog:  txlog,
		events: events,
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.applier = NewApplier(docs, d.applierOpts...)
	return d
}

// Applier returns the transaction applier.
func (d *Domain) Applier() *Applier {
	return d.applier
}

// Routes returns the dispatch table of the domain.
func (d *Domain) Routes() []domain.Route {
	return []domain.Route{
		domain.Bind(message.CategoryCommand, ActionCreateApplication, d.createCommand),
		domain.Bind(message.CategoryCommand, ActionSaveApplication, d.saveCommand),
		domain.Bind(message.CategoryTransaction, ActionCreateApplication, d.createTransaction),
		domain.Bind(message.CategoryTransaction, ActionSaveApplication, d.saveTransaction),
		domain.Bind(message.CategoryQuery, QueryListApplications, d.listApplications),
		domain.Bind(message.CategoryQuery, QueryGetApplication, d.getApplication),
	}
}

// Registry builds the registry from Routes.
func (d *Domain) Registry() (*domain.Registry, error) {
	return domain.NewRegistry(d.Routes()...)
}

// Dispatcher builds a dispatcher for the Landing domain.
func (d *Domain) Dispatcher(opts ...domain.DispatcherOption) (*domain.Dispatcher, error) {
	reg, err := d.Registry()
	if err != nil {
		return nil, err
	}
	return domain.NewDispatcher(DomainName, reg, opts...), nil
}

// PrepareDatabase creates the indexes the domain relies on.
// Safe to call on every startup.
func (d *Domain) PrepareDatabase(ctx context.Context) error {
	if err := d.docs.EnsureUniqueIndex(ctx, CollectionApplications, FieldApplicationID, IndexApplications); err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}
	return nil
}
