// Package engine is the token-lineage execution core: it drives rows
// from a source through a configured sequence of transforms, gates,
// aggregations, and sinks, assigning every row a token identity and
// recording each token's journey and terminal outcome in the ledger.
//
// The execution model is single active writer per run: one logical
// sequence pulls rows, performs every lineage operation, and writes the
// ledger in that order. Aggregation buffers are checkpointed so a
// crashed run resumes without losing or double-counting buffered rows.
package engine
