package landing

import (
	"context"
	"fmt"

	"github.com/dugrema/millegrilles-landing/internal/authz"
	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
)

// applyFunc runs one Applier operation under transaction id txID.
type applyFunc func(ctx context.Context, txID string) (Application, error)

func (d *Domain) createCommand(ctx context.Context, env *message.Envelope, p CreatePayload) (*message.Response, error) {
	return d.processCommand(ctx, env, func(ctx context.Context, txID string) (Application, error) {
		return d.applier.Create(ctx, txID, env.Trust, p)
	})
}

func (d *Domain) saveCommand(ctx context.Context, env *message.Envelope, p SavePayload) (*message.Response, error) {
	return d.processCommand(ctx, env, func(ctx context.Context, txID string) (Application, error) {
		return d.applier.Save(ctx, txID, env.Trust, p)
	})
}

// processCommand turns an authorized command into a logged transaction.
//
// The subject id comes from the credential, never from the payload. Beyond
// the dispatcher's policy, mutating user data also needs the private-account
// role or the global delegation.
func (d *Domain) processCommand(ctx context.Context, env *message.Envelope, apply applyFunc) (*message.Response, error) {
	if _, ok := env.Trust.UserID(); !ok {
		return nil, &domain.MissingIdentityError{Action: env.Action}
	}
	if !authz.UserAction(env.Trust) {
		return nil, &domain.AuthorizationDeniedError{
			Category:      env.Category,
			Action:        env.Action,
			CorrelationID: env.CorrelationID,
			Reason:        fmt.Sprintf("%s: private account role or global delegation required", env.Action),
		}
	}

	txID := d.ids.Generate()
	app, err := d.commit(ctx, env, txID, apply)
	if err != nil {
		return nil, err
	}
	return Acknowledge(app), nil
}

// commit records the transaction, applies it, marks it applied and
// publishes the update event.
//
// A failed apply leaves the log entry pending for resubmission. A failed
// publish is logged only: the write is already durable.
func (d *Domain) commit(ctx context.Context, env *message.Envelope, txID string, apply applyFunc) (Application, error) {
	inserted, err := d.txlog.RecordTransaction(ctx, store.Transaction{
		ID:            txID,
		Collection:    CollectionTransactions,
		Domain:        DomainName,
		Action:        env.Action,
		Payload:       env.Payload,
		Trust:         env.Trust.Clone(),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		return Application{}, &domain.ApplyError{Action: env.Action, TransactionID: txID, Err: err}
	}

	app, err := apply(ctx, txID)
	if err != nil {
		return Application{}, err
	}

	if err := d.txlog.MarkTransactionApplied(ctx, txID); err != nil {
		return Application{}, &domain.ApplyError{Action: env.Action, TransactionID: txID, Err: err}
	}

	d.logger.DebugContext(ctx, "transaction applied",
		"action", env.Action,
		"transaction_id", txID,
		"application_id", app.ApplicationID,
		"replay", !inserted,
	)

	if err := d.events.PublishEvent(ctx, UpdatedTopic, app); err != nil {
		d.logger.WarnContext(ctx, "event publish failed",
			"topic", UpdatedTopic,
			"transaction_id", txID,
			"error", err,
		)
	}
	return app, nil
}
