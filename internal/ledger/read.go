package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// ReadRun retrieves a run by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	var status string
	var degraded int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, config_hash, status, degraded, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.Pipeline, &r.ConfigHash, &status, &degraded, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.Degraded = degraded != 0
	return r, nil
}

// ReadNodes returns a run's registered nodes in pipeline position order.
func (s *Store) ReadNodes(ctx context.Context, runID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, id, plugin, node_type, plugin_version, determinism, config_hash, position
		FROM nodes
		WHERE run_id = ?
		ORDER BY position ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var nodeType string
		if err := rows.Scan(&n.RunID, &n.ID, &n.Plugin, &nodeType,
			&n.PluginVersion, &n.Determinism, &n.ConfigHash, &n.Position); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Type = NodeType(nodeType)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, nil
}

// ReadRow retrieves a source row by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadRow(ctx context.Context, rowID string) (Row, error) {
	var r Row
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, source_node_id, row_index, content_hash
		FROM rows WHERE id = ?
	`, rowID).Scan(&r.ID, &r.RunID, &r.SourceNodeID, &r.Index, &r.ContentHash)
	if err != nil {
		return Row{}, err
	}
	return r, nil
}

// ReadToken retrieves a token by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadToken(ctx context.Context, tokenID string) (Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, COALESCE(row_id, ''), created_seq
		FROM tokens WHERE id = ?
	`, tokenID).Scan(&t.ID, &t.RunID, &t.RowID, &t.CreatedSeq)
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

// ReadTokensForRun returns all tokens of a run with deterministic ordering.
func (s *Store) ReadTokensForRun(ctx context.Context, runID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, COALESCE(row_id, ''), created_seq
		FROM tokens
		WHERE run_id = ?
		ORDER BY created_seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.ID, &t.RunID, &t.RowID, &t.CreatedSeq); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	if tokens == nil {
		tokens = []Token{}
	}
	return tokens, nil
}

// ReadParents returns a token's direct parent token ids.
func (s *Store) ReadParents(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_token_id
		FROM token_parents
		WHERE token_id = ?
		ORDER BY parent_token_id COLLATE BINARY ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query parents: %w", err)
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan parent: %w", err)
		}
		parents = append(parents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parents: %w", err)
	}
	if parents == nil {
		parents = []string{}
	}
	return parents, nil
}

// ReadAncestry returns the transitive ancestry set of a token (every
// token id that contributed to its existence), excluding the token
// itself. Uses a recursive CTE so deep lineage stays a single query.
func (s *Store) ReadAncestry(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE ancestry(id) AS (
			SELECT parent_token_id FROM token_parents WHERE token_id = ?
			UNION
			SELECT tp.parent_token_id
			FROM token_parents tp
			JOIN ancestry a ON tp.token_id = a.id
		)
		SELECT id FROM ancestry ORDER BY id COLLATE BINARY ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query ancestry: %w", err)
	}
	defer rows.Close()

	var ancestors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		ancestors = append(ancestors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestry: %w", err)
	}
	if ancestors == nil {
		ancestors = []string{}
	}
	return ancestors, nil
}

// ReadDescendants returns token ids derived (transitively) from a token.
// Answers the forward question: "what outputs did this input feed?"
func (s *Store) ReadDescendants(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT token_id FROM token_parents WHERE parent_token_id = ?
			UNION
			SELECT tp.token_id
			FROM token_parents tp
			JOIN descendants d ON tp.parent_token_id = d.id
		)
		SELECT id FROM descendants ORDER BY id COLLATE BINARY ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query descendants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descendants: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// ReadOutcome retrieves a token's terminal outcome.
// Returns sql.ErrNoRows if the token has no outcome yet.
func (s *Store) ReadOutcome(ctx context.Context, tokenID string) (TokenOutcome, error) {
	var o TokenOutcome
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, kind, reason, seq
		FROM outcomes WHERE token_id = ?
	`, tokenID).Scan(&o.TokenID, &kind, &o.Reason, &o.Seq)
	if err != nil {
		return TokenOutcome{}, err
	}
	o.Kind = OutcomeKind(kind)
	return o, nil
}

// TokensWithoutOutcome returns ids of run tokens that have no terminal
// outcome. An empty result at run end is the outcome-completeness
// property; a non-empty result mid-run lists tokens still buffered.
func (s *Store) TokensWithoutOutcome(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id
		FROM tokens t
		LEFT JOIN outcomes o ON t.id = o.token_id
		WHERE t.run_id = ? AND o.token_id IS NULL
		ORDER BY t.created_seq ASC, t.id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tokens without outcome: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens without outcome: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ReadBatch retrieves a batch by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadBatch(ctx context.Context, batchID string) (Batch, error) {
	var b Batch
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, status, opened_seq, closed_seq
		FROM batches WHERE id = ?
	`, batchID).Scan(&b.ID, &b.RunID, &b.NodeID, &status, &b.OpenedSeq, &b.ClosedSeq)
	if err != nil {
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	return b, nil
}

// ReadBatchesForRun returns a run's batches in opening order.
func (s *Store) ReadBatchesForRun(ctx context.Context, runID string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, status, opened_seq, closed_seq
		FROM batches
		WHERE run_id = ?
		ORDER BY opened_seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var status string
		if err := rows.Scan(&b.ID, &b.RunID, &b.NodeID, &status, &b.OpenedSeq, &b.ClosedSeq); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = BatchStatus(status)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	if batches == nil {
		batches = []Batch{}
	}
	return batches, nil
}

// ReadBatchMembers returns a batch's members in buffered order.
func (s *Store) ReadBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, token_id, ordinal
		FROM batch_members
		WHERE batch_id = ?
		ORDER BY ordinal ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch members: %w", err)
	}
	defer rows.Close()

	var members []BatchMember
	for rows.Next() {
		var m BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("scan batch member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch members: %w", err)
	}
	if members == nil {
		members = []BatchMember{}
	}
	return members, nil
}

// ReadNodeStates returns a token's execution attempts in causal order.
func (s *Store) ReadNodeStates(ctx context.Context, tokenID string) ([]NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, node_id, step_index, attempt, status, input_hash, started_seq, finished_seq
		FROM node_states
		WHERE token_id = ?
		ORDER BY started_seq ASC, id ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("query node states: %w", err)
	}
	defer rows.Close()

	var states []NodeState
	for rows.Next() {
		var ns NodeState
		var status string
		if err := rows.Scan(&ns.ID, &ns.TokenID, &ns.NodeID, &ns.StepIndex,
			&ns.Attempt, &status, &ns.InputHash, &ns.StartedSeq, &ns.FinishedSeq); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		ns.Status = NodeStateStatus(status)
		states = append(states, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node states: %w", err)
	}
	if states == nil {
		states = []NodeState{}
	}
	return states, nil
}

// GetBlob retrieves a payload by content hash.
// Returns sql.ErrNoRows if the blob does not exist.
func (s *Store) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM blobs WHERE hash = ?`, hash).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadCheckpoint retrieves the run's checkpoint.
// Returns sql.ErrNoRows if the run has never checkpointed.
func (s *Store) ReadCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, source_position, state, state_hash, seq
		FROM checkpoints WHERE run_id = ?
	`, runID).Scan(&cp.RunID, &cp.SourcePosition, &cp.State, &cp.StateHash, &cp.Seq)
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// TraceToken assembles the full lineage view of one token: its source
// row, direct parents, node executions, and terminal outcome (nil if
// still pending).
func (s *Store) TraceToken(ctx context.Context, tokenID string) (TokenTrace, error) {
	token, err := s.ReadToken(ctx, tokenID)
	if err != nil {
		return TokenTrace{}, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	trace := TokenTrace{Token: token}

	if token.RowID != "" {
		row, err := s.ReadRow(ctx, token.RowID)
		if err == nil {
			trace.Row = &row
		} else if err != sql.ErrNoRows {
			return TokenTrace{}, fmt.Errorf("trace token %s: read row: %w", tokenID, err)
		}
	}

	trace.ParentIDs, err = s.ReadParents(ctx, tokenID)
	if err != nil {
		return TokenTrace{}, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	trace.NodeStates, err = s.ReadNodeStates(ctx, tokenID)
	if err != nil {
		return TokenTrace{}, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	outcome, err := s.ReadOutcome(ctx, tokenID)
	if err == nil {
		trace.Outcome = &outcome
	} else if err != sql.ErrNoRows {
		return TokenTrace{}, fmt.Errorf("trace token %s: read outcome: %w", tokenID, err)
	}

	return trace, nil
}

// MaxSeq returns the highest logical-clock sequence number recorded
// anywhere in a run's ledger entries. A resumed run restarts its clock
// past this value so sequence numbers stay strictly increasing across
// the crash boundary.
func (s *Store) MaxSeq(ctx context.Context, runID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT MAX(created_seq) AS seq FROM tokens WHERE run_id = ?
			UNION ALL
			SELECT MAX(o.seq) FROM outcomes o
				JOIN tokens t ON t.id = o.token_id WHERE t.run_id = ?
			UNION ALL
			SELECT MAX(ns.finished_seq) FROM node_states ns
				JOIN tokens t ON t.id = ns.token_id WHERE t.run_id = ?
			UNION ALL
			SELECT MAX(ns.started_seq) FROM node_states ns
				JOIN tokens t ON t.id = ns.token_id WHERE t.run_id = ?
			UNION ALL
			SELECT MAX(closed_seq) FROM batches WHERE run_id = ?
			UNION ALL
			SELECT MAX(opened_seq) FROM batches WHERE run_id = ?
			UNION ALL
			SELECT MAX(seq) FROM checkpoints WHERE run_id = ?
		)
	`, runID, runID, runID, runID, runID, runID, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max seq for run %s: %w", runID, err)
	}
	return max, nil
}

// RowFinalized reports whether any token originating from the row
// already carries a terminal outcome other than failed. Used on resume
// to skip replayed source rows whose processing was fully committed
// before the crash.
func (s *Store) RowFinalized(ctx context.Context, rowID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tokens t
			JOIN outcomes o ON o.token_id = t.id
			WHERE t.row_id = ? AND o.kind <> 'failed'
		)
	`, rowID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("row finalized %s: %w", rowID, err)
	}
	return exists, nil
}
