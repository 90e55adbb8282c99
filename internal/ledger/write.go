package ledger

import (
	"context"
	"fmt"
)

// CreateRun inserts a run record in status "running".
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, config_hash, status, degraded, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Pipeline,
		run.ConfigHash,
		string(RunRunning),
		boolToInt(run.Degraded),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun sets the run's terminal status, degraded flag, and finish time.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, degraded bool, finishedAt string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, degraded = ?, finished_at = ?
		WHERE id = ?
	`, string(status), boolToInt(degraded), finishedAt, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// MarkRunDegraded flips the degraded flag without changing status.
// Called when a batch fails a plugin contract but the run continues.
func (s *Store) MarkRunDegraded(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET degraded = 1 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("mark run degraded %s: %w", runID, err)
	}
	return nil
}

// WriteNode registers a configured plugin instance for a run.
// Nodes are written once before execution begins and never updated.
func (s *Store) WriteNode(ctx context.Context, n Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (run_id, id, plugin, node_type, plugin_version, determinism, config_hash, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.RunID, n.ID, n.Plugin, string(n.Type),
		n.PluginVersion, n.Determinism, n.ConfigHash, n.Position,
	)
	if err != nil {
		return fmt.Errorf("write node %s: %w", n.ID, err)
	}
	return nil
}

// WriteRow inserts a source row record.
// Idempotent via ON CONFLICT DO NOTHING: a resumed run may legally
// re-announce a row it already committed before the crash.
func (s *Store) WriteRow(ctx context.Context, r Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rows (id, run_id, source_node_id, row_index, content_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.RunID, r.SourceNodeID, r.Index, r.ContentHash)
	if err != nil {
		return fmt.Errorf("write row %s: %w", r.ID, err)
	}
	return nil
}

// WriteToken inserts a token and its parent linkage atomically.
// Parent linkage from an aggregation's output token must reference ALL
// batch members; callers pass the complete parent set in one call so a
// crash cannot leave partial ancestry.
func (s *Store) WriteToken(ctx context.Context, t Token, parentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write token: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Minted tokens (branch, batch flush) have no originating row.
	var rowID any
	if t.RowID != "" {
		rowID = t.RowID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (id, run_id, row_id, created_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.RunID, rowID, t.CreatedSeq)
	if err != nil {
		return fmt.Errorf("write token %s: %w", t.ID, err)
	}

	for _, parent := range parentIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, t.ID, parent)
		if err != nil {
			return fmt.Errorf("write token parent %s -> %s: %w", t.ID, parent, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write token: commit: %w", err)
	}
	return nil
}

// BeginNodeState records that a token started executing at a node.
// Returns the node state id for the matching FinishNodeState call.
func (s *Store) BeginNodeState(ctx context.Context, ns NodeState) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO node_states (token_id, node_id, step_index, attempt, status, input_hash, started_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ns.TokenID, ns.NodeID, ns.StepIndex, ns.Attempt,
		string(StateRunning), ns.InputHash, ns.StartedSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("begin node state %s@%s: %w", ns.TokenID, ns.NodeID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin node state: last insert id: %w", err)
	}
	return id, nil
}

// FinishNodeState transitions a node state to completed or failed.
func (s *Store) FinishNodeState(ctx context.Context, stateID int64, status NodeStateStatus, finishedSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE node_states SET status = ?, finished_seq = ?
		WHERE id = ?
	`, string(status), finishedSeq, stateID)
	if err != nil {
		return fmt.Errorf("finish node state %d: %w", stateID, err)
	}
	return nil
}

// OpenBatch records a new buffered batch at an aggregation node.
func (s *Store) OpenBatch(ctx context.Context, b Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, run_id, node_id, status, opened_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.ID, b.RunID, b.NodeID, string(BatchOpen), b.OpenedSeq)
	if err != nil {
		return fmt.Errorf("open batch %s: %w", b.ID, err)
	}
	return nil
}

// CloseBatch transitions a batch to flushed or failed.
func (s *Store) CloseBatch(ctx context.Context, batchID string, status BatchStatus, closedSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, closed_seq = ?
		WHERE id = ?
	`, string(status), closedSeq, batchID)
	if err != nil {
		return fmt.Errorf("close batch %s: %w", batchID, err)
	}
	return nil
}

// WriteBatchMember records a token's membership in a batch.
// Idempotent on (batch_id, token_id): restore + re-buffer of a
// checkpointed member is a legal repeat.
func (s *Store) WriteBatchMember(ctx context.Context, m BatchMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES (?, ?, ?)
		ON CONFLICT(batch_id, token_id) DO NOTHING
	`, m.BatchID, m.TokenID, m.Ordinal)
	if err != nil {
		return fmt.Errorf("write batch member %s/%s: %w", m.BatchID, m.TokenID, err)
	}
	return nil
}

// WriteOutcome records a token's terminal outcome.
//
// NOT idempotent by design: the outcomes table's primary key enforces
// exactly-once, and a duplicate write returns ErrOutcomeExists so the
// engine can surface it as an invariant violation instead of silently
// overwriting or ignoring it.
func (s *Store) WriteOutcome(ctx context.Context, o TokenOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (token_id, kind, reason, seq)
		VALUES (?, ?, ?, ?)
	`, o.TokenID, string(o.Kind), o.Reason, o.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("write outcome for token %s: %w", o.TokenID, ErrOutcomeExists)
		}
		return fmt.Errorf("write outcome for token %s: %w", o.TokenID, err)
	}
	return nil
}

// PutBlob stores a canonical payload under its content hash.
// Idempotent: identical content always carries the identical hash.
func (s *Store) PutBlob(ctx context.Context, hash string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, payload)
		VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, payload)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", hash, err)
	}
	return nil
}

// WriteCheckpoint replaces the run's checkpoint record.
// Callers must have committed all ledger writes for already-flushed rows
// first; the checkpoint must never point past un-persisted outcomes.
func (s *Store) WriteCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, source_position, state, state_hash, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			source_position = excluded.source_position,
			state           = excluded.state,
			state_hash      = excluded.state_hash,
			seq             = excluded.seq
	`, cp.RunID, cp.SourcePosition, cp.State, cp.StateHash, cp.Seq)
	if err != nil {
		return fmt.Errorf("write checkpoint for run %s: %w", cp.RunID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
