// Package harness runs YAML conformance scenarios against the Landing domain.
//
// A scenario is a list of steps. Each step either sends an envelope to the
// dispatcher or resubmits pending transactions, optionally after moving the
// manual clock. Every run starts from an empty in-memory database, a memory
// bus and a fixed sequence of transaction ids, so the trace is reproducible
// and can be compared against golden files.
//
// # Scenario Format
//
//	name: create_then_save
//	description: A created application can be renamed by its owner
//	ids: [tx-a]
//	steps:
//	  - send:
//	      category: transaction
//	      action: creerNouvelleApplication
//	      id: app-1
//	      trust: {subject_id: u1, exchange_levels: [4.secure]}
//	      payload: {}
//	    expect:
//	      outcome: ok
//	      response: {application_id: app-1}
//	  - advance: 1m
//	    resubmit: true
//	    expect: {resubmitted: 0}
//	assertions:
//	  - type: final_state
//	    collection: Landing/applications
//	    where: {application_id: app-1}
//	    expect: {user_id: u1, active: false}
//
// # Outcomes
//
// Each dispatched envelope is recorded with one of four outcomes: ok (a
// response with ok true or no ok field), refused (ok false), dropped (no
// response, as for denied transactions) and error (the dispatcher returned
// an error, as for a failed transaction apply).
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/create.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
