// Package harness runs YAML scenarios against the engine.
//
// A scenario names a CUE schema, the relations to observe, a list of steps
// (add, delete, update, set_predicate, query, snapshot, restore, commit,
// save) and assertions over the resulting trace. Every scenario gets
// fresh storage, a deterministic clock and sequential batch IDs, so the
// trace it produces is reproducible and can be pinned in a golden file:
//
//	name: flight_schedule
//	description: Joined schedule follows adds
//	schema: ../airline.cue
//	observe: [schedule]
//	steps:
//	  - add: {relation: flights, row: {number: 3, pilot: Smith}}
//	assertions:
//	  - type: trace_count
//	    relation: schedule
//	    count: 1
//
// Steps queue work on the engine; consecutive steps share one batch until
// a commit step drains it. Golden traces live in testdata/golden and are
// regenerated with:
//
//	go test ./internal/harness -update
package harness
