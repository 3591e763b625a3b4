package landing

import (
	"context"
	"fmt"

	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
)

// Transactions arrive already vetted (4.secure) and carry the id they were
// logged under, so replays land on the same log entry and the same record.

func (d *Domain) createTransaction(ctx context.Context, env *message.Envelope, p CreatePayload) (*message.Response, error) {
	return d.processTransaction(ctx, env, func(ctx context.Context, txID string) (Application, error) {
		return d.applier.Create(ctx, txID, env.Trust, p)
	})
}

func (d *Domain) saveTransaction(ctx context.Context, env *message.Envelope, p SavePayload) (*message.Response, error) {
	return d.processTransaction(ctx, env, func(ctx context.Context, txID string) (Application, error) {
		return d.applier.Save(ctx, txID, env.Trust, p)
	})
}

func (d *Domain) processTransaction(ctx context.Context, env *message.Envelope, apply applyFunc) (*message.Response, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("%s: transaction id missing", env.Action)
	}
	// Checked before logging: without a subject the entry could never apply.
	if _, ok := env.Trust.UserID(); !ok {
		return nil, &domain.MissingIdentityError{Action: env.Action}
	}
	app, err := d.commit(ctx, env, env.ID, apply)
	if err != nil {
		return nil, err
	}
	return Acknowledge(app), nil
}
