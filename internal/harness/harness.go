package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/store"
	"github.com/dugrema/millegrilles-landing/internal/testutil"
	"github.com/dugrema/millegrilles-landing/internal/transport"
)

// DefaultGrace is the resubmission grace period when a scenario sets none.
const DefaultGrace = time.Minute

// Harness is the scenario execution engine.
// It runs scenarios against a fresh store with a manual clock and fixed
// transaction ids.
type Harness struct {
	dispatcher  *domain.Dispatcher
	resubmitter *transport.Resubmitter
	clock       *testutil.Clock
	logger      *slog.Logger
}

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger sends the components' logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and memory bus
// 2. Wire the Landing domain with the scenario's transaction ids
// 3. Execute steps, checking each expect clause
// 4. Evaluate assertions against the trace, events and final state
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	grace := DefaultGrace
	if scenario.Grace != "" {
		d, err := parseNonNegative(scenario.Grace)
		if err != nil {
			return nil, fmt.Errorf("grace: %w", err)
		}
		grace = d
	}

	clock := testutil.NewClock(time.Time{})
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	bus := transport.NewMemory(transport.WithLogger(o.logger))
	defer bus.Close()

	d := landing.New(st, st, bus,
		landing.WithIDGenerator(testutil.NewSequenceIDs(scenario.IDs...)),
		landing.WithClock(clock.Now),
		landing.WithLogger(o.logger),
	)
	if err := d.PrepareDatabase(ctx); err != nil {
		return nil, err
	}
	dispatcher, err := d.Dispatcher(domain.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	resubmitter := transport.NewResubmitter(st, grace,
		transport.WithResubmitClock(clock.Now),
		transport.WithResubmitLogger(o.logger),
	)
	h := &Harness{
		dispatcher:  dispatcher,
		resubmitter: resubmitter,
		clock:       clock,
		logger:      o.logger,
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	for _, ev := range bus.Events() {
		result.Events = append(result.Events, PublishedEvent{
			Topic:   ev.Topic,
			Payload: decodeObject(ev.Payload),
		})
	}

	actx := &AssertionContext{Docs: st, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// executeSteps runs all steps in order.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		n := i + 1
		if step.Advance != "" {
			d, err := parseNonNegative(step.Advance)
			if err != nil {
				return fmt.Errorf("step %d: advance: %w", n, err)
			}
			h.clock.Advance(d)
		}

		if step.Resubmit {
			delivered, err := h.resubmitter.Resubmit(ctx, landing.TransactionCollections(),
				func(ctx context.Context, env *message.Envelope) error {
					result.AddTrace(h.dispatch(ctx, n, EventResubmitted, env))
					return nil
				})
			if err != nil {
				return fmt.Errorf("step %d: %w", n, err)
			}
			if step.Expect != nil && step.Expect.Resubmitted != nil && *step.Expect.Resubmitted != delivered {
				result.AddError(fmt.Sprintf("step %d: resubmitted %d transactions, expected %d",
					n, delivered, *step.Expect.Resubmitted))
			}
			h.logger.Info("resubmit step completed", "step", n, "delivered", delivered)
			continue
		}

		env, err := step.Send.envelope(n)
		if err != nil {
			return fmt.Errorf("step %d: %w", n, err)
		}
		ev := h.dispatch(ctx, n, EventEnvelope, env)
		result.AddTrace(ev)

		if step.Expect != nil {
			checkExpect(result, n, ev, step.Expect)
		}

		h.logger.Info("step completed",
			"step", n,
			"routing_key", ev.RoutingKey,
			"outcome", ev.Outcome,
		)
	}
	return nil
}

// dispatch hands env to the dispatcher and records the outcome.
func (h *Harness) dispatch(ctx context.Context, step int, kind string, env *message.Envelope) TraceEvent {
	ev := TraceEvent{
		Step:       step,
		Type:       kind,
		RoutingKey: env.RoutingKey(),
		ID:         env.ID,
		At:         h.clock.Now(),
	}

	resp, err := h.dispatcher.Dispatch(ctx, env)
	ev.Outcome = Outcome(resp, err)
	if err != nil {
		ev.Error = err.Error()
	}
	if resp != nil {
		ev.Response = resp.Fields()
	}
	return ev
}

// Outcome classifies the result of a dispatch.
func Outcome(resp *message.Response, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case resp == nil:
		return OutcomeDropped
	case resp.OK():
		return OutcomeOK
	default:
		return OutcomeRefused
	}
}

func checkExpect(result *Result, step int, ev TraceEvent, expect *Expect) {
	if expect.Outcome != "" && expect.Outcome != ev.Outcome {
		detail := ""
		if ev.Error != "" {
			detail = ": " + ev.Error
		}
		result.AddError(fmt.Sprintf("step %d: %s outcome %q, expected %q%s",
			step, ev.RoutingKey, ev.Outcome, expect.Outcome, detail))
	}
	if len(expect.Response) > 0 {
		if msg, ok := matchFields(ev.Response, expect.Response); !ok {
			result.AddError(fmt.Sprintf("step %d: %s response: %s", step, ev.RoutingKey, msg))
		}
	}
}

// envelope builds the inbound envelope of a send step.
func (s *Send) envelope(step int) (*message.Envelope, error) {
	category, err := message.ParseCategory(s.Category)
	if err != nil {
		return nil, err
	}

	env := &message.Envelope{
		ID:            s.ID,
		Category:      category,
		Domain:        s.Domain,
		Action:        s.Action,
		CorrelationID: s.CorrelationID,
		Trust:         s.Trust.Clone(),
	}
	if env.Domain == "" {
		env.Domain = landing.DomainName
	}
	if env.CorrelationID == "" {
		env.CorrelationID = fmt.Sprintf("step-%d", step)
	}
	if s.Payload != nil {
		payload, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = payload
	}
	return env, nil
}
