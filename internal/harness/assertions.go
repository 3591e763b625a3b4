package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/dugrema/millegrilles-landing/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s\n", i+1, event.RoutingKey, event.Outcome)
		}
	}

	return buf.String()
}

// DocumentFinder is the read side of the document store.
type DocumentFinder interface {
	Find(ctx context.Context, collection string, filter store.Filter, opts store.FindOptions) ([]store.Document, error)
}

// assertTraceCount checks that a routing key was dispatched exactly Count
// times, restricted to Outcome when set.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.RoutingKey != assertion.RoutingKey {
			continue
		}
		if assertion.Outcome != "" && event.Outcome != assertion.Outcome {
			continue
		}
		count++
	}

	if count != assertion.Count {
		what := assertion.RoutingKey
		if assertion.Outcome != "" {
			what += " (" + assertion.Outcome + ")"
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that routing keys appear in the specified order.
// They don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.RoutingKeys) && event.RoutingKey == assertion.RoutingKeys[next] {
			next++
		}
	}

	if next < len(assertion.RoutingKeys) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("routing keys in order %v", assertion.RoutingKeys),
			Actual:   fmt.Sprintf("%s not found after position %d", assertion.RoutingKeys[next], next),
			Trace:    trace,
		}
	}
	return nil
}

// assertEventCount checks that topic was published exactly Count times.
func assertEventCount(events []PublishedEvent, assertion Assertion) error {
	count := 0
	for _, ev := range events {
		if ev.Topic == assertion.Topic {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events on %s", assertion.Count, assertion.Topic),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

// assertFinalState checks the single document matching Where, or that no
// document matches when Absent is set. Expect is a subset match.
func assertFinalState(ctx context.Context, docs DocumentFinder, assertion Assertion) error {
	whereDesc := formatWhereClause(assertion.Where)

	found, err := docs.Find(ctx, assertion.Collection, store.Filter(assertion.Where), store.FindOptions{})
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query collection %s", assertion.Collection),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	if assertion.Absent {
		if len(found) != 0 {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no document in %s where %s", assertion.Collection, whereDesc),
				Actual:   fmt.Sprintf("%d documents matched", len(found)),
			}
		}
		return nil
	}

	switch len(found) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("document in %s where %s", assertion.Collection, whereDesc),
			Actual:   "document not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one document in %s where %s", assertion.Collection, whereDesc),
			Actual:   "multiple documents matched (assertion is ambiguous)",
		}
	}

	doc := found[0]
	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := doc[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in document", key),
			}
		}
		if !valuesEqual(actualValue, expectedValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v", key, actualValue),
			}
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of filter conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual map[string]any, expected map[string]any) (string, bool) {
	for _, key := range sortedKeys(expected) {
		actualVal, exists := actual[key]
		if !exists {
			return fmt.Sprintf("field %q missing", key), false
		}
		if !valuesEqual(actualVal, expected[key]) {
			return fmt.Sprintf("field %q = %v, expected %v", key, actualVal, expected[key]), false
		}
	}
	return "", true
}

// valuesEqual compares a JSON-decoded value with a YAML-decoded one.
// Both sides go through JSON so 1 (int) equals 1 (float64) and a YAML
// timestamp equals its RFC 3339 string.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Docs DocumentFinder
	Ctx  context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertEventCount:
			err = assertEventCount(result.Events, assertion)
		case AssertFinalState:
			if actx == nil || actx.Docs == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires store context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Docs, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
