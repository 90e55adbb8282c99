package engine

import (
	"context"
	"fmt"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// bufferAt parks a token at an aggregation step: the arrival is
// recorded as a node state, the row joins the node's buffer, the
// membership is recorded, and the batch flushes immediately if the
// trigger fires on this arrival.
func (p *processor) bufferAt(ctx context.Context, stepIndex int, tokenID string, row canon.Object) error {
	spec := p.plan.steps[stepIndex].spec

	// The node state closes at acceptance, not at flush: the batch
	// plugin's work belongs to the batch record, while this row marks
	// the token's hop through the node for trace.
	inputHash, err := canon.RowHash(row)
	if err != nil {
		return fmt.Errorf("hash input for node %s: %w", spec.ID, err)
	}
	stateID, err := p.store.BeginNodeState(ctx, ledger.NodeState{
		TokenID:    tokenID,
		NodeID:     spec.ID,
		StepIndex:  stepIndex,
		Attempt:    1,
		Status:     ledger.StateRunning,
		InputHash:  inputHash,
		StartedSeq: p.clock.Next(),
	})
	if err != nil {
		return err
	}
	if err := p.store.FinishNodeState(ctx, stateID, ledger.StateCompleted, p.clock.Next()); err != nil {
		return err
	}

	res, err := p.buffer.Buffer(spec.ID, tokenID, row)
	if err != nil {
		return err
	}

	if res.OpenedBatch {
		if err := p.store.OpenBatch(ctx, ledger.Batch{
			ID:        res.BatchID,
			RunID:     p.runID,
			NodeID:    spec.ID,
			Status:    ledger.BatchOpen,
			OpenedSeq: p.clock.Next(),
		}); err != nil {
			return err
		}
	}

	if err := p.store.WriteBatchMember(ctx, ledger.BatchMember{
		BatchID: res.BatchID,
		TokenID: tokenID,
		Ordinal: res.Ordinal,
	}); err != nil {
		return err
	}

	if res.State == FlushReady {
		return p.flush(ctx, stepIndex)
	}
	return nil
}

// flush hands the node's buffered batch to its batch plugin once and
// performs the N-to-M lineage operation on the result.
//
// The buffer drains only after the plugin call has returned, so a crash
// during the call recovers the whole buffer from the last checkpoint.
func (p *processor) flush(ctx context.Context, stepIndex int) error {
	node := p.plan.steps[stepIndex]
	spec := node.spec
	agg := spec.Aggregation

	pendingRows, tokens, batchID := p.buffer.Pending(spec.ID)
	if len(pendingRows) == 0 {
		return nil
	}

	res := node.batch.ProcessBatch(ctx, pendingRows, p.execContext(spec))
	p.buffer.Flush(spec.ID)

	if res.Failure != nil {
		// Data failure quarantines the whole batch; the run continues.
		for _, tok := range tokens {
			if err := p.writeOutcome(ctx, tok, ledger.OutcomeQuarantined, res.Failure.Reason); err != nil {
				return err
			}
		}
		if err := p.store.CloseBatch(ctx, batchID, ledger.BatchFailed, p.clock.Next()); err != nil {
			return err
		}
		p.log.Warn("batch quarantined",
			"run", p.runID, "node", spec.ID, "batch", batchID,
			"inputs", len(tokens), "reason", res.Failure.Reason)
		return nil
	}

	switch agg.Mode {
	case AggPassthrough:
		return p.flushPassthrough(ctx, stepIndex, batchID, tokens, res.Rows)
	case AggTransform:
		return p.flushTransform(ctx, stepIndex, batchID, tokens, res.Rows)
	default:
		return fmt.Errorf("node %s: unknown aggregation mode %q", spec.ID, agg.Mode)
	}
}

// flushPassthrough continues each buffered row under its original token
// identity. The plugin enriched rows in place; no tokens are minted and
// no consumed-in-batch outcomes are written.
func (p *processor) flushPassthrough(ctx context.Context, stepIndex int, batchID string, tokens []string, outRows []canon.Object) error {
	spec := p.plan.steps[stepIndex].spec

	if len(outRows) != len(tokens) {
		return p.failBatch(ctx, spec, batchID, tokens,
			fmt.Sprintf("passthrough batch returned %d rows for %d inputs", len(outRows), len(tokens)))
	}

	if err := p.store.CloseBatch(ctx, batchID, ledger.BatchFlushed, p.clock.Next()); err != nil {
		return err
	}
	p.log.Info("batch flushed",
		"run", p.runID, "node", spec.ID, "batch", batchID,
		"mode", AggPassthrough, "inputs", len(tokens))

	for i, tok := range tokens {
		if err := p.processToken(ctx, tok, outRows[i], stepIndex+1); err != nil {
			return err
		}
	}
	return nil
}

// flushTransform performs the N-to-M lineage operation: every input
// token is consumed into the batch, and each output row is minted as a
// new token whose ancestry references all N inputs.
func (p *processor) flushTransform(ctx context.Context, stepIndex int, batchID string, tokens []string, outRows []canon.Object) error {
	spec := p.plan.steps[stepIndex].spec
	agg := spec.Aggregation

	// Contract check happens before any outcome or token write so a
	// violated batch leaves no partial lineage.
	if agg.ExpectedOutputCount > 0 && len(outRows) != agg.ExpectedOutputCount {
		return p.failBatch(ctx, spec, batchID, tokens,
			fmt.Sprintf("batch returned %d rows, expected_output_count is %d", len(outRows), agg.ExpectedOutputCount))
	}

	inputs := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		inputs[tok] = true
	}

	for _, tok := range tokens {
		if err := p.writeOutcome(ctx, tok, ledger.OutcomeConsumedInBatch, "batch:"+batchID); err != nil {
			return err
		}
	}

	minted := make([]string, len(outRows))
	for i := range outRows {
		id := p.gen.Generate()
		if inputs[id] {
			return NewInvariantError(p.runID, spec.ID, id, "batch output token id equals an input token id")
		}
		minted[i] = id
		if err := p.store.WriteToken(ctx, ledger.Token{
			ID:         id,
			RunID:      p.runID,
			CreatedSeq: p.clock.Next(),
		}, tokens); err != nil {
			return err
		}
	}

	if err := p.store.CloseBatch(ctx, batchID, ledger.BatchFlushed, p.clock.Next()); err != nil {
		return err
	}
	p.log.Info("batch flushed",
		"run", p.runID, "node", spec.ID, "batch", batchID,
		"mode", AggTransform, "inputs", len(tokens), "outputs", len(minted))

	for i, id := range minted {
		if err := p.processToken(ctx, id, outRows[i], stepIndex+1); err != nil {
			return err
		}
	}
	return nil
}

// failBatch records a plugin contract violation: every input token is
// failed, the batch closes failed, and the run is marked degraded. The
// run continues unless configured to halt on contract violations.
func (p *processor) failBatch(ctx context.Context, spec NodeSpec, batchID string, tokens []string, msg string) error {
	for _, tok := range tokens {
		if err := p.writeOutcome(ctx, tok, ledger.OutcomeFailed, "contract:"+msg); err != nil {
			return err
		}
	}
	if err := p.store.CloseBatch(ctx, batchID, ledger.BatchFailed, p.clock.Next()); err != nil {
		return err
	}
	if err := p.store.MarkRunDegraded(ctx, p.runID); err != nil {
		return err
	}
	p.degraded = true

	cerr := NewContractError(p.runID, spec.ID, batchID, msg)
	p.log.Error("batch failed on contract violation",
		"run", p.runID, "node", spec.ID, "batch", batchID, "error", cerr)
	if p.haltOnContract {
		return cerr
	}
	return nil
}
