package harness

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

func owner(user string) trust.Context {
	return trust.Context{
		SubjectID:      user,
		Roles:          []trust.Role{trust.RolePrivateAccount},
		ExchangeLevels: []trust.Level{trust.L2Private},
	}
}

func runScenario(t *testing.T, scenario *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestRun_CommandThenQuery(t *testing.T) {
	scenario := &Scenario{
		Name:        "command_then_query",
		Description: "A created application is listed for its owner",
		IDs:         []string{"tx-a"},
		Steps: []Step{
			{
				Send: &Send{
					Category: "commande",
					Action:   landing.ActionCreateApplication,
					Trust:    owner("u1"),
					Payload:  map[string]any{"application_id": "app-1"},
				},
				Expect: &Expect{Outcome: OutcomeOK, Response: map[string]any{"application_id": "app-1"}},
			},
			{
				Send: &Send{
					Category: "requete",
					Action:   landing.QueryListApplications,
					Trust:    owner("u1"),
				},
				Expect: &Expect{Outcome: OutcomeOK, Response: map[string]any{"ok": true}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertEventCount, Topic: landing.UpdatedTopic, Count: 1},
			{
				Type:       AssertFinalState,
				Collection: landing.CollectionApplications,
				Where:      map[string]any{"application_id": "app-1"},
				Expect:     map[string]any{"user_id": "u1", "active": false},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)

	assert.Equal(t, "commande.Landing.creerNouvelleApplication", result.Trace[0].RoutingKey)
	assert.Equal(t, EventEnvelope, result.Trace[0].Type)

	apps, ok := result.Trace[1].Response["applications"].([]any)
	require.True(t, ok)
	require.Len(t, apps, 1)
	assert.Equal(t, "app-1", apps[0].(map[string]any)["application_id"])

	require.Len(t, result.Events, 1)
	assert.Equal(t, "u1", result.Events[0].Payload["user_id"])
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "Expect clauses are checked against the real outcome",
		Steps: []Step{
			{
				Send: &Send{
					Category: "requete",
					Action:   landing.QueryListApplications,
					Trust:    trust.Context{ExchangeLevels: []trust.Level{trust.L2Private}},
				},
				Expect: &Expect{Outcome: OutcomeOK, Response: map[string]any{"msg": "welcome"}},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `outcome "refused", expected "ok"`)
	assert.Contains(t, result.Errors[1], `field "msg" = Access denied, expected welcome`)
}

func TestRun_DecodeErrorOutcome(t *testing.T) {
	scenario := &Scenario{
		Name:        "decode_error",
		Description: "A malformed transaction payload is reported as an error",
		Steps: []Step{
			{
				Send: &Send{
					Category: "transaction",
					Action:   landing.ActionSaveApplication,
					ID:       "tx-bad",
					Trust:    trust.Context{SubjectID: "u1", ExchangeLevels: []trust.Level{trust.L4Secure}},
					Payload:  map[string]any{"application_id": 7},
				},
				Expect: &Expect{Outcome: OutcomeError},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace[0].Error, "decode sauvegarderApplication payload")
	assert.Empty(t, result.Events)
}

func TestRun_UnknownDomainDropped(t *testing.T) {
	scenario := &Scenario{
		Name:        "other_domain",
		Description: "Envelopes for another domain are dropped",
		Steps: []Step{
			{
				Send: &Send{
					Category: "commande",
					Domain:   "Messagerie",
					Action:   landing.ActionCreateApplication,
					Trust:    owner("u1"),
				},
				Expect: &Expect{Outcome: OutcomeDropped},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "commande.Messagerie.creerNouvelleApplication", result.Trace[0].RoutingKey)
}

func TestRun_CorrelationDefaultsToStep(t *testing.T) {
	scenario := &Scenario{
		Name:        "correlation",
		Description: "Denials name the step correlation id",
		Steps: []Step{
			{
				Send: &Send{
					Category: "commande",
					Action:   landing.ActionCreateApplication,
				},
				Expect: &Expect{Outcome: OutcomeRefused},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace[0].Response["err"], `"step-1"`)
}

func TestRun_ClockAdvance(t *testing.T) {
	scenario := &Scenario{
		Name:        "clock",
		Description: "Advance moves the clock before the step",
		Steps: []Step{
			{Resubmit: true},
			{Advance: "90s", Resubmit: true},
			{
				Advance: "30s",
				Send: &Send{
					Category: "transaction",
					Action:   landing.ActionCreateApplication,
					ID:       "app-1",
					Trust:    trust.Context{SubjectID: "u1", ExchangeLevels: []trust.Level{trust.L4Secure}},
				},
			},
		},
		Assertions: []Assertion{
			{
				Type:       AssertFinalState,
				Collection: landing.CollectionApplications,
				Where:      map[string]any{"application_id": "app-1"},
				Expect: map[string]any{
					"created_at":  "2024-01-01T12:02:00Z",
					"modified_at": "2024-01-01T12:02:00Z",
				},
			},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "2024-01-01T12:02:00Z", result.Trace[0].At.Format("2006-01-02T15:04:05Z07:00"))
}

func TestRun_ResubmitGrace(t *testing.T) {
	failingSave := Step{
		Send: &Send{
			Category: "commande",
			Action:   landing.ActionSaveApplication,
			Trust:    owner("u2"),
			Payload:  map[string]any{"application_id": "app-1"},
		},
		Expect: &Expect{Outcome: OutcomeRefused},
	}
	one := 1
	zero := 0

	scenario := &Scenario{
		Name:        "grace",
		Description: "Only transactions older than the grace period are resubmitted",
		Grace:       "5m",
		Steps: []Step{
			{
				Send: &Send{
					Category: "commande",
					Action:   landing.ActionCreateApplication,
					Trust:    owner("u1"),
					Payload:  map[string]any{"application_id": "app-1"},
				},
			},
			failingSave,
			{Advance: "4m", Resubmit: true, Expect: &Expect{Resubmitted: &zero}},
			{Advance: "2m", Resubmit: true, Expect: &Expect{Resubmitted: &one}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, RoutingKey: "transaction.Landing.sauvegarderApplication", Outcome: OutcomeError, Count: 1},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, EventResubmitted, result.Trace[2].Type)
	assert.Equal(t, "tx-2", result.Trace[2].ID)
}

func TestRun_ResubmittedCountMismatch(t *testing.T) {
	two := 2
	scenario := &Scenario{
		Name:        "resubmit_mismatch",
		Description: "Resubmit counts are checked",
		Steps:       []Step{{Resubmit: true, Expect: &Expect{Resubmitted: &two}}},
	}

	result := runScenario(t, scenario)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"step 1: resubmitted 0 transactions, expected 2"}, result.Errors)
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	scenario := &Scenario{
		Name:        "logged",
		Description: "Component logs go to the given logger",
		Steps: []Step{
			{
				Send: &Send{
					Category: "commande",
					Action:   landing.ActionCreateApplication,
					Trust:    trust.Context{SubjectID: "u1", ExchangeLevels: []trust.Level{trust.L1Public}},
				},
			},
		},
	}

	_, err := Run(context.Background(), scenario, WithLogger(logger))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "message rejected")
	assert.Contains(t, buf.String(), "step completed")
}

func TestRun_BadGrace(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{Name: "n", Grace: "later"})
	assert.ErrorContains(t, err, "grace")
}

func TestRun_ScenarioFiles(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, file := range files {
		t.Run(file, func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result := runScenario(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}
