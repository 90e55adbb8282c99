package engine

import (
	"fmt"

	"github.com/tracerow/tracerow/internal/canon"
)

// FlushState says what happened to a row offered to an aggregation node.
type FlushState int

const (
	// FlushPending means the row was buffered; the batch is not ready.
	FlushPending FlushState = iota + 1
	// FlushReady means the row was buffered and the batch should flush now.
	FlushReady
)

// BufferResult is the explicit result of offering a row to a buffer.
// Pending/ready are ordinary branches, not exceptional control flow.
type BufferResult struct {
	State   FlushState
	BatchID string
	Ordinal int
	// OpenedBatch is true when this row opened a fresh batch (the first
	// buffered row since the last flush); the caller records the Batch
	// ledger row on that transition.
	OpenedBatch bool
}

// nodeBuffer holds one aggregation node's not-yet-flushed rows and the
// tokens that own them, in insertion order.
type nodeBuffer struct {
	rows    []canon.Object
	tokens  []string
	batchID string
	trigger *Trigger
}

// AggregationBuffer owns, per aggregation node, the ordered sequence of
// buffered row payloads awaiting a flush.
//
// Ownership discipline: the buffer is confined to the single Row
// Processor sequence driving the run; no other component mutates it.
// The Checkpoint Manager only reads state wholesale (CheckpointState)
// and writes it back wholesale (Restore).
type AggregationBuffer struct {
	nodes      map[string]*nodeBuffer
	newBatchID func() string
}

// NewAggregationBuffer creates an empty buffer.
// newBatchID mints batch identifiers; inject a fixed generator in tests.
func NewAggregationBuffer(newBatchID func() string) *AggregationBuffer {
	return &AggregationBuffer{
		nodes:      make(map[string]*nodeBuffer),
		newBatchID: newBatchID,
	}
}

// RegisterNode attaches a trigger evaluator to an aggregation node.
// Must be called for every aggregation node before any Buffer call.
func (b *AggregationBuffer) RegisterNode(nodeID string, trigger *Trigger) {
	b.nodes[nodeID] = &nodeBuffer{trigger: trigger}
}

// Buffer appends a token's row to the node's buffer, opening a new batch
// on the first row since the last flush, and feeds the trigger evaluator.
func (b *AggregationBuffer) Buffer(nodeID, tokenID string, row canon.Object) (BufferResult, error) {
	nb, ok := b.nodes[nodeID]
	if !ok {
		return BufferResult{}, fmt.Errorf("aggregation node %q not registered", nodeID)
	}

	opened := false
	if nb.batchID == "" {
		nb.batchID = b.newBatchID()
		opened = true
	}

	ordinal := len(nb.rows)
	nb.rows = append(nb.rows, row)
	nb.tokens = append(nb.tokens, tokenID)
	nb.trigger.RecordAccept()

	state := FlushPending
	if nb.trigger.ShouldTrigger() {
		state = FlushReady
	}

	return BufferResult{
		State:       state,
		BatchID:     nb.batchID,
		Ordinal:     ordinal,
		OpenedBatch: opened,
	}, nil
}

// ShouldFlush delegates to the node's trigger evaluator.
// Called opportunistically by the host loop's periodic tick.
func (b *AggregationBuffer) ShouldFlush(nodeID string) bool {
	nb, ok := b.nodes[nodeID]
	if !ok {
		return false
	}
	return nb.trigger.ShouldTrigger()
}

// Pending returns the buffered rows and tokens in insertion order
// WITHOUT clearing them. The Row Processor calls the batch plugin with
// this snapshot and only drains via Flush after the call returns, so a
// crash mid-call recovers the full buffer from the last checkpoint.
func (b *AggregationBuffer) Pending(nodeID string) (rows []canon.Object, tokens []string, batchID string) {
	nb, ok := b.nodes[nodeID]
	if !ok {
		return nil, nil, ""
	}
	return nb.rows, nb.tokens, nb.batchID
}

// Len returns the number of buffered rows at a node.
func (b *AggregationBuffer) Len(nodeID string) int {
	nb, ok := b.nodes[nodeID]
	if !ok {
		return 0
	}
	return len(nb.rows)
}

// NodeIDs returns the registered aggregation node ids.
func (b *AggregationBuffer) NodeIDs() []string {
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Flush drains the node's buffer: returns rows and tokens in insertion
// order, clears the buffer, resets the trigger evaluator, and closes the
// current batch id so the next buffered row opens a fresh batch.
func (b *AggregationBuffer) Flush(nodeID string) (rows []canon.Object, tokens []string, batchID string) {
	nb, ok := b.nodes[nodeID]
	if !ok {
		return nil, nil, ""
	}

	rows, tokens, batchID = nb.rows, nb.tokens, nb.batchID
	nb.rows = nil
	nb.tokens = nil
	nb.batchID = ""
	nb.trigger.Reset()
	return rows, tokens, batchID
}

// CheckpointState emits, for every node with a non-empty buffer, a
// serializable mapping {rows, token_ids, batch_id}. The result passes
// through the Canonical Encoder cleanly.
func (b *AggregationBuffer) CheckpointState() map[string]any {
	state := make(map[string]any)
	for nodeID, nb := range b.nodes {
		if len(nb.rows) == 0 {
			continue
		}
		rows := make([]any, len(nb.rows))
		for i, r := range nb.rows {
			rows[i] = canon.ToAny(r)
		}
		tokens := make([]any, len(nb.tokens))
		for i, t := range nb.tokens {
			tokens[i] = t
		}
		state[nodeID] = map[string]any{
			"rows":      rows,
			"token_ids": tokens,
			"batch_id":  nb.batchID,
		}
	}
	return state
}

// Restore repopulates buffers from a previously captured
// CheckpointState result and replays the equivalent RecordAccept calls
// into each node's trigger evaluator, so post-restore trigger behavior
// is indistinguishable from the pre-crash run.
//
// Token ids alone are restored (no full token context); that is
// sufficient for audit continuity, and later operations rehydrate from
// the ledger if they need more.
func (b *AggregationBuffer) Restore(state map[string]any) error {
	for nodeID, raw := range state {
		nb, ok := b.nodes[nodeID]
		if !ok {
			return fmt.Errorf("restore: aggregation node %q not registered", nodeID)
		}
		if len(nb.rows) != 0 {
			return fmt.Errorf("restore: aggregation node %q already has buffered rows", nodeID)
		}

		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("restore: node %q: expected mapping, got %T", nodeID, raw)
		}

		batchID, ok := entry["batch_id"].(string)
		if !ok {
			return fmt.Errorf("restore: node %q: missing batch_id", nodeID)
		}

		rawRows, ok := entry["rows"].([]any)
		if !ok {
			return fmt.Errorf("restore: node %q: missing rows", nodeID)
		}
		rawTokens, ok := entry["token_ids"].([]any)
		if !ok {
			return fmt.Errorf("restore: node %q: missing token_ids", nodeID)
		}
		if len(rawRows) != len(rawTokens) {
			return fmt.Errorf("restore: node %q: %d rows but %d token ids", nodeID, len(rawRows), len(rawTokens))
		}

		nb.batchID = batchID
		for i, rawRow := range rawRows {
			row, err := canon.FromAny(rawRow)
			if err != nil {
				return fmt.Errorf("restore: node %q row %d: %w", nodeID, i, err)
			}
			obj, ok := row.(canon.Object)
			if !ok {
				return fmt.Errorf("restore: node %q row %d: expected object, got %T", nodeID, i, row)
			}

			tokenID, ok := rawTokens[i].(string)
			if !ok {
				return fmt.Errorf("restore: node %q token %d: expected string, got %T", nodeID, i, rawTokens[i])
			}

			nb.rows = append(nb.rows, obj)
			nb.tokens = append(nb.tokens, tokenID)
			nb.trigger.RecordAccept()
		}
	}
	return nil
}
