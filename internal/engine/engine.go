package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracerow/tracerow/internal/ledger"
)

// Engine executes pipeline plans against a ledger. One Engine may serve
// many runs; each Run call builds its own clock, buffer, and processor,
// so concurrent runs (distinct run ids) never share mutable state.
type Engine struct {
	store    *ledger.Store
	gen      TokenGenerator
	log      *slog.Logger
	now      func() time.Time
	newRunID func() string

	checkpointEvery int
	haltOnContract  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenGenerator overrides token id generation. Tests inject a
// FixedGenerator for deterministic lineage.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) { e.gen = g }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithNow overrides the wall clock used by trigger timeout evaluation.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunIDFunc overrides run id generation. Conformance scenarios pin
// the run id so row ids and lineage snapshots stay reproducible.
func WithRunIDFunc(f func() string) Option {
	return func(e *Engine) { e.newRunID = f }
}

// WithCheckpointEvery checkpoints after every n source rows.
// 0 disables periodic checkpointing (a final checkpoint is still
// written at clean completion).
func WithCheckpointEvery(n int) Option {
	return func(e *Engine) { e.checkpointEvery = n }
}

// WithHaltOnContract aborts the run on the first plugin contract
// violation instead of degrading and continuing.
func WithHaltOnContract() Option {
	return func(e *Engine) { e.haltOnContract = true }
}

// New creates an engine on top of a ledger store.
func New(store *ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		gen:      UUIDv7Generator{},
		log:      slog.Default(),
		now:      time.Now,
		newRunID: NewRunID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunReport summarizes a finished (or aborted) run.
type RunReport struct {
	RunID    string
	Status   ledger.RunStatus
	Degraded bool
	RowsRead int64
}

// Run executes a plan from the beginning: creates the run record,
// registers the plan's nodes, and drives the source to exhaustion.
func (e *Engine) Run(ctx context.Context, plan *Plan) (RunReport, error) {
	runID := e.newRunID()

	// The run record and node registry must land even when the caller's
	// context is already cancelled: the drive loop then records the run
	// as abandoned against that record instead of leaving no trace.
	setupCtx := context.Background()
	if err := e.store.CreateRun(setupCtx, ledger.Run{
		ID:         runID,
		Pipeline:   plan.Pipeline,
		ConfigHash: plan.ConfigHash,
		Status:     ledger.RunRunning,
		StartedAt:  e.now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return RunReport{}, err
	}
	for _, n := range plan.Nodes(runID) {
		if err := e.store.WriteNode(setupCtx, n); err != nil {
			return RunReport{RunID: runID}, err
		}
	}

	proc, cpm := e.newRun(plan, runID, NewClock())
	return e.drive(ctx, plan, proc, cpm, false)
}

// Resume continues a crashed run from its last checkpoint: the run's
// nodes and config must match the original plan. Buffered state is
// restored, tokens orphaned by the crash are failed, and the source is
// sought back to the checkpointed read position.
func (e *Engine) Resume(ctx context.Context, plan *Plan, runID string) (RunReport, error) {
	run, err := e.store.ReadRun(ctx, runID)
	if err != nil {
		return RunReport{RunID: runID}, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if run.Status != ledger.RunRunning && run.Status != ledger.RunAbandoned {
		return RunReport{RunID: runID}, fmt.Errorf("resume run %s: run already %s", runID, run.Status)
	}
	if run.ConfigHash != plan.ConfigHash {
		return RunReport{RunID: runID}, NewCheckpointError(runID,
			"pipeline configuration changed since the run started")
	}

	maxSeq, err := e.store.MaxSeq(ctx, runID)
	if err != nil {
		return RunReport{RunID: runID}, err
	}
	clock := NewClockAt(maxSeq)

	proc, cpm := e.newRun(plan, runID, clock)
	proc.degraded = run.Degraded

	pos, err := cpm.Restore(ctx)
	if err != nil {
		return RunReport{RunID: runID}, err
	}

	if err := e.reconcileAfterCrash(ctx, proc); err != nil {
		return RunReport{RunID: runID}, err
	}

	if err := plan.Source.Seek(pos); err != nil {
		return RunReport{RunID: runID}, NewCheckpointError(runID,
			fmt.Sprintf("source cannot seek to position %d: %v", pos, err))
	}

	e.log.Info("run resumed", "run", runID, "source_position", pos)
	return e.drive(ctx, plan, proc, cpm, true)
}

// newRun assembles the per-run machinery: clock, triggers, buffer,
// processor, and checkpoint manager.
func (e *Engine) newRun(plan *Plan, runID string, clock *Clock) (*processor, *CheckpointManager) {
	buffer := NewAggregationBuffer(func() string {
		return e.gen.Generate()
	})
	for _, node := range plan.steps {
		if node.spec.Type != ledger.NodeAggregation {
			continue
		}
		agg := node.spec.Aggregation
		buffer.RegisterNode(node.spec.ID, NewTrigger(agg.Count, agg.Timeout, e.now))
	}

	proc := &processor{
		plan:           plan,
		store:          e.store,
		clock:          clock,
		gen:            e.gen,
		buffer:         buffer,
		log:            e.log,
		runID:          runID,
		haltOnContract: e.haltOnContract,
	}
	cpm := NewCheckpointManager(e.store, clock, buffer, e.log, runID, e.checkpointEvery)
	return proc, cpm
}

// reconcileAfterCrash fails every token the crashed process left
// without an outcome, except tokens still parked in the restored
// aggregation buffers (those flush normally later). Outcome
// completeness holds across the crash boundary.
func (e *Engine) reconcileAfterCrash(ctx context.Context, proc *processor) error {
	parked := make(map[string]bool)
	for _, nodeID := range proc.buffer.NodeIDs() {
		_, tokens, _ := proc.buffer.Pending(nodeID)
		for _, tok := range tokens {
			parked[tok] = true
		}
	}

	orphans, err := e.store.TokensWithoutOutcome(ctx, proc.runID)
	if err != nil {
		return err
	}
	for _, tok := range orphans {
		if parked[tok] {
			continue
		}
		if err := proc.writeOutcome(ctx, tok, ledger.OutcomeFailed, "interrupted"); err != nil {
			return err
		}
		e.log.Warn("token interrupted by crash", "run", proc.runID, "token", tok)
	}
	return nil
}

// drive is the single-writer host loop: pull a row, process it, give
// idle-flush triggers their tick, checkpoint on cadence. The source
// exhausting cleanly drains all buffers and completes the run.
func (e *Engine) drive(ctx context.Context, plan *Plan, proc *processor, cpm *CheckpointManager, resumed bool) (RunReport, error) {
	var rowsRead int64

	finish := func(status ledger.RunStatus) RunReport {
		// The run context may already be cancelled; the terminal status
		// must still land in the ledger.
		ferr := e.store.FinishRun(context.Background(), proc.runID, status, proc.degraded, e.now().UTC().Format(time.RFC3339Nano))
		if ferr != nil {
			e.log.Error("finish run record", "run", proc.runID, "error", ferr)
		}
		return RunReport{
			RunID:    proc.runID,
			Status:   status,
			Degraded: proc.degraded,
			RowsRead: rowsRead,
		}
	}

	for {
		// Cancellation happens between rows; an in-flight plugin call
		// always completes so no node state lands ambiguous.
		if err := ctx.Err(); err != nil {
			e.log.Warn("run cancelled", "run", proc.runID, "rows_read", rowsRead)
			return finish(ledger.RunAbandoned), err
		}

		index := plan.Source.Position()
		row, ok, err := plan.Source.Next(ctx)
		if err != nil {
			return finish(ledger.RunFailed), fmt.Errorf("source read: %w", err)
		}
		if !ok {
			break
		}
		rowsRead++

		if resumed {
			done, err := e.store.RowFinalized(ctx, proc.rowID(index))
			if err != nil {
				return finish(ledger.RunFailed), err
			}
			if done {
				// Work for this row was fully committed before the
				// crash; replaying it would fork its lineage.
				continue
			}
		}

		if err := proc.processSourceRow(ctx, index, row); err != nil {
			return finish(ledger.RunFailed), err
		}
		if err := proc.tick(ctx); err != nil {
			return finish(ledger.RunFailed), err
		}
		if err := cpm.MaybeCheckpoint(ctx, rowsRead, plan.Source.Position()); err != nil {
			return finish(ledger.RunFailed), err
		}
	}

	if err := proc.drain(ctx); err != nil {
		return finish(ledger.RunFailed), err
	}
	if err := cpm.Capture(ctx, plan.Source.Position()); err != nil {
		return finish(ledger.RunFailed), err
	}

	report := finish(ledger.RunCompleted)
	e.log.Info("run completed",
		"run", proc.runID, "rows_read", rowsRead, "degraded", proc.degraded)
	return report, nil
}
