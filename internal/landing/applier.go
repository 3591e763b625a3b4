package landing

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

const instrumentationName = "github.com/dugrema/millegrilles-landing/internal/landing"

// CreatePayload is the body of creerNouvelleApplication.
// Without an explicit id the transaction id becomes the application id.
type CreatePayload struct {
	ApplicationID string `json:"application_id,omitempty"`
}

// SavePayload is the body of sauvegarderApplication.
type SavePayload struct {
	ApplicationID string  `json:"application_id"`
	Name          *string `json:"name,omitempty"`
	Active        *bool   `json:"actif,omitempty"`
}

// Validate checks the required fields.
func (p SavePayload) Validate() error {
	if p.ApplicationID == "" {
		return errors.New("application_id is required")
	}
	return nil
}

// Applier applies application transactions to the document store.
//
// Each operation is a single store upsert: fields that identify the record
// go in the filter or in SetOnInsert, mutable fields in Set. Applying the
// same transaction again rewrites the mutable fields with the same values and
// leaves created_at alone.
//
// Thread-safety: Applier is safe for concurrent use. Mutual exclusion for a
// given application_id is provided by the store's atomic upsert.
type Applier struct {
	docs   DocumentStore
	now    func() time.Time
	tracer trace.Tracer
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithApplierClock sets the clock used for created_at (default: time.Now).
func WithApplierClock(now func() time.Time) ApplierOption {
	return func(a *Applier) {
		a.now = now
	}
}

// WithApplierTracer sets the tracer (default: the global otel provider).
func WithApplierTracer(t trace.Tracer) ApplierOption {
	return func(a *Applier) {
		a.tracer = t
	}
}

// NewApplier creates an applier writing to docs.
func NewApplier(docs DocumentStore, opts ...ApplierOption) *Applier {
	a := &Applier{
		docs:   docs,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Create applies a creerNouvelleApplication transaction.
// A new application starts inactive and belongs to the transaction's subject.
// As in Save, the filter carries the subject's user_id: an application_id
// owned by another user fails on the unique index instead of matching.
func (a *Applier) Create(ctx context.Context, txID string, tc trust.Context, p CreatePayload) (Application, error) {
	userID, ok := tc.UserID()
	if !ok {
		return Application{}, &domain.MissingIdentityError{Action: ActionCreateApplication}
	}
	appID := p.ApplicationID
	if appID == "" {
		appID = txID
	}

	return a.upsert(ctx, ActionCreateApplication, txID,
		store.Filter{FieldApplicationID: appID, FieldUserID: userID},
		store.Update{
			Set: store.Fields{FieldActive: false},
			SetOnInsert: store.Fields{
				FieldApplicationID: appID,
				FieldUserID:        userID,
				FieldCreated:       a.now().UTC(),
			},
			TouchModified: true,
		},
	)
}

// Save applies a sauvegarderApplication transaction.
//
// The filter includes the subject's user_id, so a record owned by another
// user never matches. Inserting a second record under the same
// application_id then fails on the unique index.
func (a *Applier) Save(ctx context.Context, txID string, tc trust.Context, p SavePayload) (Application, error) {
	userID, ok := tc.UserID()
	if !ok {
		return Application{}, &domain.MissingIdentityError{Action: ActionSaveApplication}
	}

	var name any
	if p.Name != nil {
		name = norm.NFC.String(*p.Name)
	}
	active := false
	if p.Active != nil {
		active = *p.Active
	}

	return a.upsert(ctx, ActionSaveApplication, txID,
		store.Filter{FieldApplicationID: p.ApplicationID, FieldUserID: userID},
		store.Update{
			Set: store.Fields{
				FieldName:   name,
				FieldActive: active,
			},
			SetOnInsert: store.Fields{
				FieldApplicationID: p.ApplicationID,
				FieldUserID:        userID,
				FieldCreated:       a.now().UTC(),
			},
			TouchModified: true,
		},
	)
}

func (a *Applier) upsert(ctx context.Context, action, txID string, filter store.Filter, u store.Update) (Application, error) {
	ctx, span := a.tracer.Start(ctx, "apply "+action, trace.WithAttributes(
		attribute.String("landing.transaction_id", txID),
		attribute.String("landing.application_id", filter[FieldApplicationID].(string)),
	))
	defer span.End()

	doc, err := a.docs.Upsert(ctx, CollectionApplications, filter, u)
	if err != nil {
		applyErr := &domain.ApplyError{Action: action, TransactionID: txID, Err: err}
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, "upsert failed")
		return Application{}, applyErr
	}

	var app Application
	if err := doc.Decode(&app); err != nil {
		return Application{}, &domain.ApplyError{Action: action, TransactionID: txID, Err: err}
	}
	return app, nil
}

// Acknowledge builds the response to an applied write.
func Acknowledge(app Application) *message.Response {
	return message.Ok(map[string]any{FieldApplicationID: app.ApplicationID})
}
