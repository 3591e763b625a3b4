package domain

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dugrema/millegrilles-landing/internal/authz"
	"github.com/dugrema/millegrilles-landing/internal/message"
)

const instrumentationName = "github.com/dugrema/millegrilles-landing/internal/domain"

// Dispatcher authorizes inbound envelopes and routes them to handlers.
//
// Thread-safety: Dispatch may be called from many goroutines at once. The
// dispatcher holds no mutable state; ordering between envelopes is left to
// the store's atomic upsert.
type Dispatcher struct {
	domain   string
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTracer sets the tracer (default: the global otel provider).
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher for envelopes addressed to domain.
func NewDispatcher(domain string, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		domain:   domain,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Domain returns the domain name this dispatcher serves.
func (d *Dispatcher) Domain() string {
	return d.domain
}

// Registry returns the dispatch table.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch processes one envelope and returns the response to send back, if any.
//
// Returns a *DecodeError when the payload does not match the action's shape.
// Handler failures are turned into refusals for commands and queries, and
// returned as errors for transactions and events (which have no reply).
func (d *Dispatcher) Dispatch(ctx context.Context, env *message.Envelope) (*message.Response, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+env.RoutingKey(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("landing.category", string(env.Category)),
			attribute.String("landing.action", env.Action),
			attribute.String("landing.correlation_id", env.CorrelationID),
		),
	)
	defer span.End()

	decision := authz.Authorize(env.Trust, env.Category, env.Action, env.CorrelationID)
	span.SetAttributes(attribute.String("landing.authz_rule", decision.Rule.String()))
	if !decision.Allowed {
		denied := &AuthorizationDeniedError{
			Category:      env.Category,
			Action:        env.Action,
			CorrelationID: env.CorrelationID,
			Reason:        decision.Reason,
		}
		span.SetStatus(codes.Error, "authorization denied")
		return d.reject(ctx, env, denied), nil
	}

	if env.Domain != d.domain {
		d.logger.InfoContext(ctx, "unknown domain, message dropped",
			"domain", env.Domain,
			"routing_key", env.RoutingKey(),
		)
		return nil, nil
	}

	route, ok := d.registry.Lookup(env.Category, env.Action)
	if !ok {
		d.logger.InfoContext(ctx, "unknown action, message dropped",
			"category", env.Category,
			"action", env.Action,
			"correlation_id", env.CorrelationID,
		)
		return nil, nil
	}

	payload, err := route.decode(env.Payload)
	if err != nil {
		decodeErr := &DecodeError{Action: env.Action, Err: err}
		d.logger.ErrorContext(ctx, "payload decode failed, message dropped",
			"routing_key", env.RoutingKey(),
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		span.RecordError(decodeErr)
		span.SetStatus(codes.Error, "decode failed")
		return nil, decodeErr
	}

	resp, err := route.handle(ctx, Request{Envelope: env, Payload: payload})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.fail(ctx, env, err)
	}

	if resp != nil {
		resp.WithCorrelation(env.CorrelationID)
	}
	return resp, nil
}

// reject applies the per-category refusal policy to a denial.
func (d *Dispatcher) reject(ctx context.Context, env *message.Envelope, err error) *message.Response {
	d.logger.WarnContext(ctx, "message rejected",
		"routing_key", env.RoutingKey(),
		"correlation_id", env.CorrelationID,
		"error", err,
	)
	if !env.Category.Replies() {
		return nil
	}
	return message.Refusal(err.Error()).WithCorrelation(env.CorrelationID)
}

// fail applies the per-category policy to a handler error.
func (d *Dispatcher) fail(ctx context.Context, env *message.Envelope, err error) (*message.Response, error) {
	var denied *AuthorizationDeniedError
	if errors.As(err, &denied) || IsMissingIdentity(err) {
		return d.reject(ctx, env, err), nil
	}

	if env.Category.Replies() {
		d.logger.ErrorContext(ctx, "handler failed",
			"routing_key", env.RoutingKey(),
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return message.Refusal(err.Error()).WithCorrelation(env.CorrelationID), nil
	}

	d.logger.ErrorContext(ctx, "handler failed, message dropped",
		"routing_key", env.RoutingKey(),
		"correlation_id", env.CorrelationID,
		"error", err,
	)
	return nil, err
}
