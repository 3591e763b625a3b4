package harness

import (
	"encoding/json"
	"time"
)

// Step outcomes recorded in the trace.
const (
	OutcomeOK      = "ok"
	OutcomeRefused = "refused"
	OutcomeDropped = "dropped"
	OutcomeError   = "error"
)

// Trace event types.
const (
	EventEnvelope    = "envelope"
	EventResubmitted = "resubmitted"
)

// TraceEvent records one dispatched envelope and what came of it.
type TraceEvent struct {
	Step       int            `json:"step"`
	Type       string         `json:"type"`
	RoutingKey string         `json:"routing_key"`
	ID         string         `json:"id,omitempty"`
	Outcome    string         `json:"outcome"`
	Response   map[string]any `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// PublishedEvent is an event emitted on the bus during the run.
type PublishedEvent struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one entry per dispatched envelope, in dispatch order.
	Trace []TraceEvent `json:"trace"`

	// Events holds the events published on the bus, in order.
	Events []PublishedEvent `json:"events"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Events: []PublishedEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// decodeObject turns encoded JSON into a generic object. Non-objects yield nil.
func decodeObject(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
