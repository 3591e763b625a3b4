package landing

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
	"github.com/dugrema/millegrilles-landing/internal/testutil"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

type publishedEvent struct {
	Topic   string
	Payload any
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Payload: payload})
	return nil
}

func (p *recordingPublisher) Events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type fixture struct {
	store      *store.Store
	clock      *testutil.Clock
	events     *recordingPublisher
	domain     *Domain
	dispatcher *domain.Dispatcher
}

func setupFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "landing.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := &recordingPublisher{}
	d := New(s, s, events,
		WithIDGenerator(testutil.NewSequenceIDs(ids...)),
		WithClock(clock.Now),
	)
	require.NoError(t, d.PrepareDatabase(context.Background()))

	dispatcher, err := d.Dispatcher()
	require.NoError(t, err)

	return &fixture{store: s, clock: clock, events: events, domain: d, dispatcher: dispatcher}
}

func (f *fixture) dispatch(t *testing.T, env *message.Envelope) *message.Response {
	t.Helper()
	resp, err := f.dispatcher.Dispatch(context.Background(), env)
	require.NoError(t, err)
	return resp
}

func (f *fixture) application(t *testing.T, appID string) (Application, bool) {
	t.Helper()
	doc, found, err := f.store.FindOne(context.Background(), CollectionApplications, store.Filter{FieldApplicationID: appID})
	require.NoError(t, err)
	if !found {
		return Application{}, false
	}
	var app Application
	require.NoError(t, doc.Decode(&app))
	return app, true
}

func (f *fixture) countApplications(t *testing.T, filter store.Filter) int {
	t.Helper()
	docs, err := f.store.Find(context.Background(), CollectionApplications, filter, store.FindOptions{})
	require.NoError(t, err)
	return len(docs)
}

func user(id string) trust.Context {
	return trust.Context{SubjectID: id, Roles: []trust.Role{trust.RolePrivateAccount}}
}

func secure(subject string) trust.Context {
	return trust.Context{SubjectID: subject, ExchangeLevels: []trust.Level{trust.L4Secure}}
}

func command(action string, payload any, tc trust.Context) *message.Envelope {
	return newEnvelope(message.CategoryCommand, "", action, payload, tc)
}

func transaction(id, action string, payload any, tc trust.Context) *message.Envelope {
	return newEnvelope(message.CategoryTransaction, id, action, payload, tc)
}

func query(action string, payload any, tc trust.Context) *message.Envelope {
	return newEnvelope(message.CategoryQuery, "", action, payload, tc)
}

func newEnvelope(c message.Category, id, action string, payload any, tc trust.Context) *message.Envelope {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case string:
		raw = json.RawMessage(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		raw = encoded
	}
	return &message.Envelope{
		ID:            id,
		Category:      c,
		Domain:        DomainName,
		Action:        action,
		Payload:       raw,
		CorrelationID: "corr-" + action,
		Trust:         tc,
	}
}

// failingDocs fails every write with err.
type failingDocs struct {
	DocumentStore
	err error
}

func (f failingDocs) Upsert(context.Context, string, store.Filter, store.Update) (store.Document, error) {
	return nil, f.err
}

var errStorageOffline = errors.New("storage offline")

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
