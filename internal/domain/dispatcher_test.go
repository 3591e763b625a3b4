package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

const testDomain = "Landing"

type dispatchFixture struct {
	dispatcher *Dispatcher
	spans      *tracetest.SpanRecorder
	logs       *bytes.Buffer
	calls      *int
}

func newDispatchFixture(t *testing.T, routes ...Route) dispatchFixture {
	t.Helper()
	calls := 0
	counted := func(c message.Category, action string, fail error) Route {
		return Bind(c, action, func(_ context.Context, env *message.Envelope, p echoPayload) (*message.Response, error) {
			calls++
			if fail != nil {
				return nil, fail
			}
			return message.Ok(map[string]any{"name": p.Name}), nil
		})
	}
	all := append([]Route{
		counted(message.CategoryCommand, "save", nil),
		counted(message.CategoryQuery, "get", nil),
		counted(message.CategoryTransaction, "save", nil),
		counted(message.CategoryEvent, "changed", nil),
		counted(message.CategoryCommand, "broken", errors.New("storage offline")),
		counted(message.CategoryTransaction, "broken", errors.New("storage offline")),
	}, routes...)

	reg, err := NewRegistry(all...)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := NewDispatcher(testDomain, reg, WithLogger(logger), WithTracer(provider.Tracer("test")))
	return dispatchFixture{dispatcher: d, spans: recorder, logs: &logs, calls: &calls}
}

func userTrust() trust.Context {
	return trust.Context{SubjectID: "u1", Roles: []trust.Role{trust.RolePrivateAccount}}
}

func envelope(c message.Category, action, payload string, tc trust.Context) *message.Envelope {
	return &message.Envelope{
		Category:      c,
		Domain:        testDomain,
		Action:        action,
		Payload:       json.RawMessage(payload),
		CorrelationID: "corr-1",
		Trust:         tc,
	}
}

func TestDispatch_AllowedCommand(t *testing.T) {
	f := newDispatchFixture(t)

	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "save", `{"name":"Notes"}`, userTrust()))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.OK())
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, "Notes", resp.Fields()["name"])
	assert.Equal(t, 1, *f.calls)
}

func TestDispatch_DeniedCommandIsRefusedBeforeDecoding(t *testing.T) {
	f := newDispatchFixture(t)

	// Payload is not even valid JSON; a denial must win over the decode step.
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "save", `{not json`, trust.Context{}))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.False(t, resp.OK())
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Contains(t, resp.Fields()["err"], "corr-1")
	assert.Equal(t, 0, *f.calls)
	assert.Contains(t, f.logs.String(), "message rejected")
}

func TestDispatch_DeniedQueryIsRefused(t *testing.T) {
	f := newDispatchFixture(t)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L4Secure}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryQuery, "get", `{}`, tc))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.OK())
	assert.Equal(t, 0, *f.calls)
}

func TestDispatch_DeniedTransactionIsDropped(t *testing.T) {
	f := newDispatchFixture(t)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L3Protected}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryTransaction, "save", `{}`, tc))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, *f.calls)
}

func TestDispatch_DeniedEventIsDropped(t *testing.T) {
	f := newDispatchFixture(t)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L2Private}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryEvent, "changed", `{}`, tc))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, *f.calls)
}

func TestDispatch_SecureTransactionAllowed(t *testing.T) {
	f := newDispatchFixture(t)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L4Secure}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryTransaction, "save", `{"name":"x"}`, tc))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 1, *f.calls)
}

func TestDispatch_UnknownActionIsDropped(t *testing.T) {
	f := newDispatchFixture(t)

	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "archive", `{}`, userTrust()))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, f.logs.String(), "unknown action")
}

func TestDispatch_OtherDomainIsDropped(t *testing.T) {
	f := newDispatchFixture(t)

	env := envelope(message.CategoryCommand, "save", `{}`, userTrust())
	env.Domain = "Messagerie"
	resp, err := f.dispatcher.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, *f.calls)
}

func TestDispatch_DecodeError(t *testing.T) {
	f := newDispatchFixture(t)

	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "save", `{"count":"three"}`, userTrust()))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, IsDecodeError(err))
	assert.Equal(t, 0, *f.calls)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "save", decodeErr.Action)
}

func TestDispatch_CommandHandlerErrorBecomesRefusal(t *testing.T) {
	f := newDispatchFixture(t)

	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "broken", `{}`, userTrust()))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.OK())
	assert.Equal(t, "storage offline", resp.Fields()["err"])
}

func TestDispatch_TransactionHandlerErrorPropagates(t *testing.T) {
	f := newDispatchFixture(t)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L4Secure}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryTransaction, "broken", `{}`, tc))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, f.logs.String(), "message dropped")
}

func TestDispatch_MissingIdentityFromHandlerIsRefused(t *testing.T) {
	route := Bind(message.CategoryCommand, "create", func(_ context.Context, env *message.Envelope, _ echoPayload) (*message.Response, error) {
		if _, ok := env.Trust.UserID(); !ok {
			return nil, &MissingIdentityError{Action: env.Action}
		}
		return message.Ok(nil), nil
	})
	f := newDispatchFixture(t, route)

	tc := trust.Context{ExchangeLevels: []trust.Level{trust.L3Protected}}
	resp, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "create", `{}`, tc))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Fields()["err"], "user_id missing")
}

func TestDispatch_RecordsSpan(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryCommand, "save", `{}`, userTrust()))
	require.NoError(t, err)

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch commande.Landing.save", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("landing.authz_rule", "private_account"))
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestDispatch_DeniedSpanHasErrorStatus(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(),
		envelope(message.CategoryQuery, "get", `{}`, trust.Context{}))
	require.NoError(t, err)

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("landing.authz_rule", "none"))
}

func TestDispatcher_Accessors(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	d := NewDispatcher(testDomain, reg)
	assert.Equal(t, testDomain, d.Domain())
	assert.Same(t, reg, d.Registry())
}
