// Package ledger provides durable, append-oriented storage for the
// lineage audit trail: runs, nodes, rows, tokens, node executions,
// batches, and terminal outcomes.
//
// The ledger is the single source of truth for lineage queries. Writes
// are idempotent where replays can legally repeat them (rows, blobs) and
// strictly exactly-once where repetition would corrupt the audit trail
// (token outcomes). All list reads use deterministic ordering
// (ORDER BY seq ASC, id COLLATE BINARY ASC) so two walks of the same
// ledger always agree.
//
// Uses SQLite with WAL mode; a single connection serializes writes,
// matching the engine's single-writer-per-run execution model.
package ledger
