package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// processor drives rows through the plan's step sequence for one run,
// translating plugin results into ledger writes. Single active writer:
// one processor owns the run's clock, buffer, and all ledger writes, so
// token and outcome consistency needs no locking.
type processor struct {
	plan   *Plan
	store  *ledger.Store
	clock  *Clock
	gen    TokenGenerator
	buffer *AggregationBuffer
	log    *slog.Logger

	runID          string
	haltOnContract bool
	degraded       bool
}

// rowID derives the deterministic ledger id for a source row, so a
// resumed run replaying the same source position writes the same row
// record instead of a duplicate.
func (p *processor) rowID(index int64) string {
	return fmt.Sprintf("%s:%d", p.runID, index)
}

func (p *processor) execContext(spec NodeSpec) ExecContext {
	return ExecContext{
		RunID:  p.runID,
		NodeID: spec.ID,
		Params: spec.Params,
		Ledger: p.store,
	}
}

// processSourceRow ingests one source-emitted row: records the row and
// its payload blob, mints the row's first token, and runs the token
// through the step sequence.
func (p *processor) processSourceRow(ctx context.Context, index int64, payload canon.Object) error {
	data, err := canon.Marshal(payload)
	if err != nil {
		// The source emitted a value the canonical encoder rejects
		// (non-finite number). Nothing hashable to ledger; skip the row
		// and mark the run degraded so the gap is visible.
		p.log.Error("source row not canonically encodable",
			"run", p.runID, "index", index, "error", err)
		p.degraded = true
		if err := p.store.MarkRunDegraded(ctx, p.runID); err != nil {
			return fmt.Errorf("mark run degraded: %w", err)
		}
		return nil
	}
	hash, err := canon.RowHash(payload)
	if err != nil {
		return fmt.Errorf("hash source row %d: %w", index, err)
	}

	if err := p.store.PutBlob(ctx, hash, data); err != nil {
		return err
	}

	rowID := p.rowID(index)
	if err := p.store.WriteRow(ctx, ledger.Row{
		ID:           rowID,
		RunID:        p.runID,
		SourceNodeID: p.plan.SourceSpec.ID,
		Index:        index,
		ContentHash:  hash,
	}); err != nil {
		return err
	}

	tokenID := p.gen.Generate()
	if err := p.store.WriteToken(ctx, ledger.Token{
		ID:         tokenID,
		RunID:      p.runID,
		RowID:      rowID,
		CreatedSeq: p.clock.Next(),
	}, nil); err != nil {
		return err
	}

	return p.processToken(ctx, tokenID, payload, 0)
}

// processToken pushes one token through the steps starting at fromStep.
// The token either reaches a terminal outcome here, or parks in an
// aggregation buffer (its outcome is then written at flush time).
func (p *processor) processToken(ctx context.Context, tokenID string, row canon.Object, fromStep int) error {
	for i := fromStep; i < len(p.plan.steps); i++ {
		node := p.plan.steps[i]
		spec := node.spec

		if spec.Type == ledger.NodeAggregation {
			return p.bufferAt(ctx, i, tokenID, row)
		}

		inputHash, err := canon.RowHash(row)
		if err != nil {
			return fmt.Errorf("hash input for node %s: %w", spec.ID, err)
		}
		stateID, err := p.store.BeginNodeState(ctx, ledger.NodeState{
			TokenID:    tokenID,
			NodeID:     spec.ID,
			StepIndex:  i,
			Attempt:    1,
			Status:     ledger.StateRunning,
			InputHash:  inputHash,
			StartedSeq: p.clock.Next(),
		})
		if err != nil {
			return err
		}

		res := node.row.ProcessRow(ctx, row, p.execContext(spec))

		if res.Failure != nil {
			if err := p.store.FinishNodeState(ctx, stateID, ledger.StateFailed, p.clock.Next()); err != nil {
				return err
			}
			p.log.Warn("row quarantined",
				"run", p.runID, "node", spec.ID, "token", tokenID,
				"reason", res.Failure.Reason)
			return p.writeOutcome(ctx, tokenID, ledger.OutcomeQuarantined, res.Failure.Reason)
		}

		if err := p.store.FinishNodeState(ctx, stateID, ledger.StateCompleted, p.clock.Next()); err != nil {
			return err
		}

		switch len(res.Rows) {
		case 0:
			// Gate drop: the row was consumed on purpose; its journey
			// ends complete with the disposition recorded.
			return p.writeOutcome(ctx, tokenID, ledger.OutcomeCompleted, "filtered")
		case 1:
			row = res.Rows[0]
		default:
			return p.branch(ctx, tokenID, res.Rows, i+1)
		}
	}

	// Past the last step: terminal output.
	return p.writeOutcome(ctx, tokenID, ledger.OutcomeCompleted, "")
}

// branch forks one token into len(rows) children, each a new token with
// the input as parent, and runs every child through the remaining steps.
func (p *processor) branch(ctx context.Context, parentID string, rows []canon.Object, nextStep int) error {
	children := make([]string, len(rows))
	for i := range rows {
		id := p.gen.Generate()
		if id == parentID {
			return NewInvariantError(p.runID, "", id, "branch output token id equals input token id")
		}
		children[i] = id
		if err := p.store.WriteToken(ctx, ledger.Token{
			ID:         id,
			RunID:      p.runID,
			CreatedSeq: p.clock.Next(),
		}, []string{parentID}); err != nil {
			return err
		}
	}

	if err := p.writeOutcome(ctx, parentID, ledger.OutcomeCompleted, "fanout"); err != nil {
		return err
	}

	for i, id := range children {
		if err := p.processToken(ctx, id, rows[i], nextStep); err != nil {
			return err
		}
	}
	return nil
}

// writeOutcome records a token's terminal outcome. A second write for
// the same token means the lineage algorithm itself is broken, so the
// storage-level conflict escalates to a fatal invariant violation.
func (p *processor) writeOutcome(ctx context.Context, tokenID string, kind ledger.OutcomeKind, reason string) error {
	err := p.store.WriteOutcome(ctx, ledger.TokenOutcome{
		TokenID: tokenID,
		Kind:    kind,
		Reason:  reason,
		Seq:     p.clock.Next(),
	})
	if errors.Is(err, ledger.ErrOutcomeExists) {
		return NewInvariantError(p.runID, "", tokenID, "second terminal outcome for token")
	}
	return err
}

// tick gives idle-flush aggregation nodes a chance to flush a timed-out
// batch even when no row has arrived at the node itself. Called by the
// host loop between rows; nodes without IdleFlush only check their
// timeout on row arrival.
func (p *processor) tick(ctx context.Context) error {
	for i, node := range p.plan.steps {
		if node.spec.Type != ledger.NodeAggregation || !node.spec.Aggregation.IdleFlush {
			continue
		}
		if p.buffer.ShouldFlush(node.spec.ID) {
			if err := p.flush(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// drain flushes every non-empty aggregation buffer regardless of
// trigger state. Called once when the source is exhausted so no
// buffered token is left without a terminal outcome.
func (p *processor) drain(ctx context.Context) error {
	for i, node := range p.plan.steps {
		if node.spec.Type != ledger.NodeAggregation {
			continue
		}
		if p.buffer.Len(node.spec.ID) > 0 {
			if err := p.flush(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}
