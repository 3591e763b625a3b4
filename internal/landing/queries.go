package landing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
)

// ListQuery is the body of getListeApplications.
type ListQuery struct {
	Limit *int `json:"limit,omitempty"`
	Skip  *int `json:"skip,omitempty"`
}

// Validate rejects negative paging values.
func (q ListQuery) Validate() error {
	if q.Limit != nil && *q.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	if q.Skip != nil && *q.Skip < 0 {
		return errors.New("skip must not be negative")
	}
	return nil
}

// GetQuery is the body of getApplication.
type GetQuery struct {
	ApplicationID string `json:"application_id"`
}

// Validate checks the required fields.
func (q GetQuery) Validate() error {
	if q.ApplicationID == "" {
		return errors.New("application_id is required")
	}
	return nil
}

// listApplications returns the caller's applications.
// Callers without a subject id get an access-denied reply, not an error.
func (d *Domain) listApplications(ctx context.Context, env *message.Envelope, q ListQuery) (*message.Response, error) {
	userID, ok := env.Trust.UserID()
	if !ok {
		return message.AccessDenied(), nil
	}

	opts := store.FindOptions{Limit: DefaultListLimit, Skip: DefaultListSkip}
	if q.Limit != nil {
		opts.Limit = *q.Limit
	}
	if q.Skip != nil {
		opts.Skip = *q.Skip
	}

	docs, err := d.docs.Find(ctx, CollectionApplications, store.Filter{FieldUserID: userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}

	apps := make([]Application, 0, len(docs))
	for _, doc := range docs {
		var app Application
		if err := doc.Decode(&app); err != nil {
			return nil, fmt.Errorf("list applications: %w", err)
		}
		apps = append(apps, app)
	}
	return message.Ok(map[string]any{"applications": apps}), nil
}

// getApplication returns one of the caller's applications.
func (d *Domain) getApplication(ctx context.Context, env *message.Envelope, q GetQuery) (*message.Response, error) {
	userID, ok := env.Trust.UserID()
	if !ok {
		return message.AccessDenied(), nil
	}

	doc, found, err := d.docs.FindOne(ctx, CollectionApplications, store.Filter{
		FieldApplicationID: q.ApplicationID,
		FieldUserID:        userID,
	})
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if !found {
		return message.Refusal("unknown application"), nil
	}

	var app Application
	if err := doc.Decode(&app); err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return message.NewResponse(app)
}
