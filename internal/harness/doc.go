// Package harness provides conformance testing for pipeline lineage.
//
// The harness loads a scenario, runs its pipeline against an in-memory
// ledger with deterministic token ids and a pinned run id, and validates
// the recorded lineage with declarative assertions and golden snapshots.
//
// # Scenario Format
//
// Scenarios are defined in YAML files:
//
//	name: sum_scores
//	description: "What this scenario validates"
//	pipeline: pipelines/sum.cue
//	run_id: run-sum
//	input:
//	  - {score: 10}
//	  - {score: 20}
//	expect:
//	  status: completed
//	  degraded: false
//	assertions:
//	  - type: token_outcome
//	    token: id-000001
//	    kind: consumed_in_batch
//	  - type: outcome_count
//	    kind: completed
//	    count: 1
//	  - type: batch_status
//	    batch: id-000002
//	    status: flushed
//	    members: 2
//	  - type: sink_contains
//	    row: {count: 2, score: 30}
//
// The pipeline path is resolved relative to the scenario file. Input
// rows feed a seekable in-memory source, so the pipeline's configured
// source plugin is bypassed.
//
// # Assertion Types
//
//   - token_outcome: a token's terminal outcome kind (and optionally reason)
//   - outcome_count: how many of the run's tokens ended with a given kind
//   - batch_status: a batch's terminal status and optionally member count
//   - sink_contains: a row, in canonical JSON form, reached the sink
//
// # Deterministic Execution
//
// Every run uses sequential token ids ("id-000001", ...), a fixed run
// id, a logical clock, and a frozen wall clock, so lineage snapshots are
// byte-identical across runs and suitable for golden file comparison.
package harness
