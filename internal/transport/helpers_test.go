package transport

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
	"github.com/dugrema/millegrilles-landing/internal/testutil"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// echoDispatcher answers every envelope with its action and records it.
type echoDispatcher struct {
	mu   sync.Mutex
	seen []*message.Envelope
	err  error
}

func (d *echoDispatcher) Dispatch(_ context.Context, env *message.Envelope) (*message.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, env)
	if d.err != nil {
		return nil, d.err
	}
	return message.Ok(map[string]any{"action": env.Action}).WithCorrelation(env.CorrelationID), nil
}

func (d *echoDispatcher) Seen() []*message.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*message.Envelope(nil), d.seen...)
}

func testEnvelope(action, replyTo string) *message.Envelope {
	return &message.Envelope{
		Category:      message.CategoryQuery,
		Domain:        "Landing",
		Action:        action,
		Payload:       json.RawMessage(`{}`),
		CorrelationID: "corr-" + action,
		ReplyTo:       replyTo,
		Trust:         trust.Context{SubjectID: "u1", Roles: []trust.Role{trust.RolePrivateAccount}},
	}
}

func setupStore(t *testing.T) (*store.Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "transport.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func recordPending(t *testing.T, s *store.Store, id, action, subject string) {
	t.Helper()
	_, err := s.RecordTransaction(context.Background(), store.Transaction{
		ID:            id,
		Collection:    "Landing",
		Domain:        "Landing",
		Action:        action,
		Payload:       json.RawMessage(`{"application_id":"app-1"}`),
		Trust:         trust.Context{SubjectID: subject, Roles: []trust.Role{trust.RolePrivateAccount}},
		CorrelationID: "corr-" + id,
	})
	require.NoError(t, err)
}
