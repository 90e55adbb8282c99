package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// CheckpointManager periodically captures aggregation buffer state plus
// the source read position into one durable record per run.
//
// Write ordering: the processor's ledger writes for already-flushed
// rows commit before the checkpoint does (each write is its own
// committed statement and Capture runs strictly after processing), so
// recovery never re-derives an outcome for a token that was already
// finalized.
type CheckpointManager struct {
	store  *ledger.Store
	clock  *Clock
	buffer *AggregationBuffer
	log    *slog.Logger

	runID string
	// every is the checkpoint cadence in source rows; 0 disables
	// periodic checkpointing.
	every int
}

// NewCheckpointManager wires a manager to one run's buffer and clock.
func NewCheckpointManager(store *ledger.Store, clock *Clock, buffer *AggregationBuffer, log *slog.Logger, runID string, every int) *CheckpointManager {
	return &CheckpointManager{
		store:  store,
		clock:  clock,
		buffer: buffer,
		log:    log,
		runID:  runID,
		every:  every,
	}
}

// MaybeCheckpoint captures a checkpoint when the row cadence is due.
func (m *CheckpointManager) MaybeCheckpoint(ctx context.Context, rowsRead, sourcePos int64) error {
	if m.every <= 0 || rowsRead == 0 || rowsRead%int64(m.every) != 0 {
		return nil
	}
	return m.Capture(ctx, sourcePos)
}

// Capture serializes the current buffer state and source position via
// the canonical encoder and upserts the run's checkpoint record.
func (m *CheckpointManager) Capture(ctx context.Context, sourcePos int64) error {
	state := map[string]any{
		"run_id":               m.runID,
		"source_read_position": sourcePos,
		"aggregation_state":    m.buffer.CheckpointState(),
	}
	data, err := canon.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint for run %s: %w", m.runID, err)
	}

	cp := ledger.Checkpoint{
		RunID:          m.runID,
		SourcePosition: sourcePos,
		State:          string(data),
		StateHash:      canon.CheckpointHash(data),
		Seq:            m.clock.Current(),
	}
	if err := m.store.WriteCheckpoint(ctx, cp); err != nil {
		return err
	}

	m.log.Debug("checkpoint captured",
		"run", m.runID, "source_position", sourcePos, "seq", cp.Seq)
	return nil
}

// Restore loads the run's checkpoint, verifies its hash, and
// repopulates the aggregation buffer. Returns the source read position
// to seek to. Any corruption is fatal for resume.
//
// A checkpointed buffer can be stale: a flush that committed after the
// checkpoint was captured already finalized the buffered tokens.
// Restore consults the ledger per node and discards stale state rather
// than re-buffering tokens whose outcomes exist.
func (m *CheckpointManager) Restore(ctx context.Context) (int64, error) {
	cp, err := m.store.ReadCheckpoint(ctx, m.runID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NewCheckpointError(m.runID, "no checkpoint recorded")
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint for run %s: %w", m.runID, err)
	}

	if got := canon.CheckpointHash([]byte(cp.State)); got != cp.StateHash {
		return 0, NewCheckpointError(m.runID,
			fmt.Sprintf("checkpoint hash mismatch: recorded %s, recomputed %s", cp.StateHash, got))
	}

	val, err := canon.UnmarshalValue([]byte(cp.State))
	if err != nil {
		return 0, NewCheckpointError(m.runID, fmt.Sprintf("checkpoint state unreadable: %v", err))
	}
	obj, ok := val.(canon.Object)
	if !ok {
		return 0, NewCheckpointError(m.runID, "checkpoint state is not an object")
	}

	aggState := map[string]any{}
	if raw, ok := obj["aggregation_state"]; ok {
		m2, ok := canon.ToAny(raw).(map[string]any)
		if !ok {
			return 0, NewCheckpointError(m.runID, "aggregation_state is not a mapping")
		}
		aggState = m2
	}
	for nodeID, raw := range aggState {
		stale, err := m.flushedAfterCheckpoint(ctx, nodeID, raw)
		if err != nil {
			return 0, err
		}
		if stale {
			delete(aggState, nodeID)
		}
	}
	if err := m.buffer.Restore(aggState); err != nil {
		return 0, NewCheckpointError(m.runID, fmt.Sprintf("buffer restore: %v", err))
	}

	m.log.Info("checkpoint restored",
		"run", m.runID, "source_position", cp.SourcePosition, "seq", cp.Seq)
	return cp.SourcePosition, nil
}

// flushedAfterCheckpoint reports whether one node's checkpointed buffer
// was superseded by a committed flush: its batch is already closed in
// the ledger, or any buffered token already carries a terminal outcome.
// Re-buffering such state would make the end-of-source drain write a
// second outcome for an already-finalized token.
func (m *CheckpointManager) flushedAfterCheckpoint(ctx context.Context, nodeID string, raw any) (bool, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return false, NewCheckpointError(m.runID,
			fmt.Sprintf("aggregation state for node %q is not a mapping", nodeID))
	}

	if batchID, ok := entry["batch_id"].(string); ok && batchID != "" {
		batch, err := m.store.ReadBatch(ctx, batchID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// The batch record never committed; the buffer is live.
		case err != nil:
			return false, fmt.Errorf("read batch %s for run %s: %w", batchID, m.runID, err)
		case batch.Status != ledger.BatchOpen:
			m.log.Info("discarding checkpointed buffer: batch already closed",
				"run", m.runID, "node", nodeID, "batch", batchID, "status", batch.Status)
			return true, nil
		}
	}

	tokens, _ := entry["token_ids"].([]any)
	for _, t := range tokens {
		id, ok := t.(string)
		if !ok {
			continue
		}
		_, err := m.store.ReadOutcome(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read outcome for token %s: %w", id, err)
		}
		m.log.Info("discarding checkpointed buffer: token already finalized",
			"run", m.runID, "node", nodeID, "token", id)
		return true, nil
	}
	return false, nil
}
