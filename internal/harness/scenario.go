package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// Scenario defines a conformance scenario.
// Scenarios feed envelopes to the Landing dispatcher and assert on the
// responses, the published events and the final stored state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// IDs are the server-assigned transaction ids handed out in order.
	// Once exhausted, ids fall back to "tx-<n>".
	IDs []string `yaml:"ids,omitempty"`

	// Grace is how long a transaction stays pending before resubmit steps
	// pick it up. Defaults to one minute.
	Grace string `yaml:"grace,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_count, trace_order, final_state, event_count
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action of a scenario: send an envelope or resubmit pending
// transactions. Advance moves the clock before the action runs.
type Step struct {
	Advance  string  `yaml:"advance,omitempty"`
	Send     *Send   `yaml:"send,omitempty"`
	Resubmit bool    `yaml:"resubmit,omitempty"`
	Expect   *Expect `yaml:"expect,omitempty"`
}

// Send describes an inbound envelope.
type Send struct {
	Category      string         `yaml:"category"`
	Domain        string         `yaml:"domain,omitempty"`
	Action        string         `yaml:"action"`
	ID            string         `yaml:"id,omitempty"`
	CorrelationID string         `yaml:"correlation_id,omitempty"`
	Trust         trust.Context  `yaml:"trust"`
	Payload       map[string]any `yaml:"payload,omitempty"`
}

// Expect specifies the expected result of a step.
type Expect struct {
	// Outcome is one of ok, refused, dropped, error.
	Outcome string `yaml:"outcome,omitempty"`

	// Response is matched as a subset of the response body.
	Response map[string]any `yaml:"response,omitempty"`

	// Resubmitted is the number of transactions a resubmit step delivered.
	Resubmitted *int `yaml:"resubmitted,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_count": routing key appears exactly Count times (optionally with Outcome)
	// - "trace_order": routing keys appear in order
	// - "final_state": the document matching Where has the Expect fields
	// - "event_count": topic was published exactly Count times
	Type string `yaml:"type"`

	RoutingKey  string         `yaml:"routing_key,omitempty"`
	RoutingKeys []string       `yaml:"routing_keys,omitempty"`
	Outcome     string         `yaml:"outcome,omitempty"`
	Count       int            `yaml:"count,omitempty"`
	Collection  string         `yaml:"collection,omitempty"`
	Where       map[string]any `yaml:"where,omitempty"`
	Expect      map[string]any `yaml:"expect,omitempty"`
	Absent      bool           `yaml:"absent,omitempty"`
	Topic       string         `yaml:"topic,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceCount = "trace_count"
	AssertTraceOrder = "trace_order"
	AssertFinalState = "final_state"
	AssertEventCount = "event_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML from memory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Grace != "" {
		if _, err := parseNonNegative(s.Grace); err != nil {
			return fmt.Errorf("grace: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	if step.Advance != "" {
		if _, err := parseNonNegative(step.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	}

	switch {
	case step.Send != nil && step.Resubmit:
		return fmt.Errorf("steps[%d]: send and resubmit are exclusive", index)
	case step.Send == nil && !step.Resubmit:
		return fmt.Errorf("steps[%d]: send or resubmit is required", index)
	}

	if step.Send != nil {
		if _, err := message.ParseCategory(step.Send.Category); err != nil {
			return fmt.Errorf("steps[%d].send: %w", index, err)
		}
		if step.Send.Action == "" {
			return fmt.Errorf("steps[%d].send: action is required", index)
		}
	}

	if step.Expect != nil {
		switch step.Expect.Outcome {
		case "", OutcomeOK, OutcomeRefused, OutcomeDropped, OutcomeError:
		default:
			return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, step.Expect.Outcome)
		}
		if step.Expect.Resubmitted != nil && !step.Resubmit {
			return fmt.Errorf("steps[%d].expect: resubmitted only applies to resubmit steps", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceCount:
		if a.RoutingKey == "" {
			return fmt.Errorf("assertions[%d]: routing_key is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.RoutingKeys) == 0 {
			return fmt.Errorf("assertions[%d]: routing_keys list is required for trace_order", index)
		}
	case AssertFinalState:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for final_state", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertEventCount:
		if a.Topic == "" {
			return fmt.Errorf("assertions[%d]: topic is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseNonNegative(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative: %s", s)
	}
	return d, nil
}
