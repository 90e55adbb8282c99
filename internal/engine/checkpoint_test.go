package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// startCrashableRun creates the run record and per-run machinery the
// way Engine.Run does, but hands the pieces back so a test can stop
// driving mid-run to simulate a crash.
func startCrashableRun(t *testing.T, eng *Engine, plan *Plan) (string, *processor, *CheckpointManager) {
	t.Helper()
	ctx := context.Background()
	runID := NewRunID()
	err := eng.store.CreateRun(ctx, ledger.Run{
		ID:         runID,
		Pipeline:   plan.Pipeline,
		ConfigHash: plan.ConfigHash,
		Status:     ledger.RunRunning,
		StartedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	for _, n := range plan.Nodes(runID) {
		if err := eng.store.WriteNode(ctx, n); err != nil {
			t.Fatalf("WriteNode() failed: %v", err)
		}
	}
	proc, cpm := eng.newRun(plan, runID, NewClock())
	return runID, proc, cpm
}

func TestResume_CrashMidBatchFlushesExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)
	rows := sourceRows(10, 20, 30)

	gen := NewFixedGenerator("t1", "b1", "t2", "t3", "out1")
	eng := New(store, WithTokenGenerator(gen), WithLogger(quietLogger()))

	steps := []NodeSpec{
		aggSpec("agg", AggSpec{Count: 3, Mode: AggTransform}, "sum"),
		sinkSpec(),
	}
	plan := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)

	ctx := context.Background()
	runID, proc, cpm := startCrashableRun(t, eng, plan)

	// Buffer 2 of 3 rows, checkpoint, then "crash" (stop driving).
	for i := 0; i < 2; i++ {
		row, ok, err := plan.Source.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next() = %v, %v", ok, err)
		}
		if err := proc.processSourceRow(ctx, int64(i), row); err != nil {
			t.Fatalf("processSourceRow() failed: %v", err)
		}
	}
	if err := cpm.Capture(ctx, plan.Source.Position()); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}

	// Restart: fresh source over the same input, same pipeline shape.
	plan2 := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)
	report, err := eng.Resume(ctx, plan2, runID)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if report.Status != ledger.RunCompleted {
		t.Fatalf("resumed run status = %s, want completed", report.Status)
	}

	// The flush fired exactly once, with all three original tokens as
	// members of the single pre-crash batch.
	members, err := store.ReadBatchMembers(ctx, "b1")
	if err != nil {
		t.Fatalf("ReadBatchMembers() failed: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("batch members = %d, want 3", len(members))
	}
	for i, m := range members {
		if m.Ordinal != i {
			t.Errorf("member %d ordinal = %d", i, m.Ordinal)
		}
	}
	for _, tok := range []string{"t1", "t2", "t3"} {
		o := readOutcome(t, store, tok)
		if o.Kind != ledger.OutcomeConsumedInBatch {
			t.Errorf("outcome(%s) = %s, want consumed_in_batch", tok, o.Kind)
		}
	}
	if len(sink.rows) != 1 || sink.rows[0]["sum"] != canon.Int(60) {
		t.Fatalf("sink rows = %v, want one row with sum 60", sink.rows)
	}
	missing, err := store.TokensWithoutOutcome(ctx, runID)
	if err != nil {
		t.Fatalf("TokensWithoutOutcome() failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("tokens without outcome: %v", missing)
	}
}

func TestResume_DiscardsCheckpointedBufferFlushedBeforeCrash(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)
	rows := sourceRows(10, 20, 30)

	gen := NewFixedGenerator("t1", "b1", "t2", "t3", "out1")
	eng := New(store, WithTokenGenerator(gen), WithLogger(quietLogger()))

	steps := []NodeSpec{
		aggSpec("agg", AggSpec{Count: 3, Mode: AggTransform}, "sum"),
		sinkSpec(),
	}
	plan := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)

	ctx := context.Background()
	runID, proc, cpm := startCrashableRun(t, eng, plan)

	// Buffer 2 of 3 rows and checkpoint while they are still parked.
	for i := 0; i < 2; i++ {
		row, _, _ := plan.Source.Next(ctx)
		if err := proc.processSourceRow(ctx, int64(i), row); err != nil {
			t.Fatalf("processSourceRow() failed: %v", err)
		}
	}
	if err := cpm.Capture(ctx, plan.Source.Position()); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}

	// The third row arrives after the checkpoint and flushes the batch;
	// t1-t3 are consumed and out1 completes. Then the process crashes,
	// leaving a checkpoint that still holds the two flushed rows.
	row, _, _ := plan.Source.Next(ctx)
	if err := proc.processSourceRow(ctx, 2, row); err != nil {
		t.Fatalf("processSourceRow() failed: %v", err)
	}

	plan2 := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)
	report, err := eng.Resume(ctx, plan2, runID)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if report.Status != ledger.RunCompleted || report.Degraded {
		t.Fatalf("resumed run = %+v, want completed non-degraded", report)
	}

	// The stale buffer was discarded, not re-flushed: the committed
	// outcomes stand untouched and the sink saw the sum exactly once.
	for _, tok := range []string{"t1", "t2", "t3"} {
		o := readOutcome(t, store, tok)
		if o.Kind != ledger.OutcomeConsumedInBatch || o.Reason != "batch:b1" {
			t.Errorf("outcome(%s) = %s/%q, want consumed_in_batch/batch:b1", tok, o.Kind, o.Reason)
		}
	}
	if o := readOutcome(t, store, "out1"); o.Kind != ledger.OutcomeCompleted {
		t.Errorf("outcome(out1) = %s, want completed", o.Kind)
	}
	if len(sink.rows) != 1 || sink.rows[0]["sum"] != canon.Int(60) {
		t.Fatalf("sink rows = %v, want one row with sum 60", sink.rows)
	}

	tokens, err := store.ReadTokensForRun(ctx, runID)
	if err != nil {
		t.Fatalf("ReadTokensForRun() failed: %v", err)
	}
	if len(tokens) != 4 {
		t.Errorf("run has %d tokens, want 4 (no replayed ingest, no re-mint)", len(tokens))
	}
	batch, err := store.ReadBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("ReadBatch() failed: %v", err)
	}
	if batch.Status != ledger.BatchFlushed {
		t.Errorf("batch status = %s, want flushed", batch.Status)
	}
}

func TestResume_SkipsRowsFinalizedBeforeCrash(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)
	rows := sourceRows(5)

	gen := NewFixedGenerator("t1")
	eng := New(store, WithTokenGenerator(gen), WithLogger(quietLogger()))

	steps := []NodeSpec{sinkSpec()}
	plan := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)

	ctx := context.Background()
	runID, proc, cpm := startCrashableRun(t, eng, plan)

	// Checkpoint first, then fully process the row: the crash happens
	// with committed post-checkpoint work.
	if err := cpm.Capture(ctx, 0); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	row, _, _ := plan.Source.Next(ctx)
	if err := proc.processSourceRow(ctx, 0, row); err != nil {
		t.Fatalf("processSourceRow() failed: %v", err)
	}

	plan2 := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)
	report, err := eng.Resume(ctx, plan2, runID)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if report.Status != ledger.RunCompleted {
		t.Fatalf("status = %s, want completed", report.Status)
	}

	// The replayed row was skipped: no second token, no second outcome.
	tokens, err := store.ReadTokensForRun(ctx, runID)
	if err != nil {
		t.Fatalf("ReadTokensForRun() failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0].ID != "t1" {
		t.Errorf("tokens = %v, want exactly [t1]", tokens)
	}
	if len(sink.rows) != 1 {
		t.Errorf("sink rows = %d, want 1 (no replay)", len(sink.rows))
	}
}

func TestResume_OrphanedTokenFailedAsInterrupted(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)
	rows := sourceRows(1)

	gen := NewFixedGenerator("t1")
	eng := New(store, WithTokenGenerator(gen), WithLogger(quietLogger()))

	steps := []NodeSpec{sinkSpec()}
	plan := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)

	ctx := context.Background()
	runID, proc, cpm := startCrashableRun(t, eng, plan)

	row, _, _ := plan.Source.Next(ctx)
	if err := proc.processSourceRow(ctx, 0, row); err != nil {
		t.Fatalf("processSourceRow() failed: %v", err)
	}
	if err := cpm.Capture(ctx, plan.Source.Position()); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}

	// A token the crashed process minted but never finished.
	if err := store.WriteToken(ctx, ledger.Token{
		ID: "orphan", RunID: runID, CreatedSeq: proc.clock.Next(),
	}, nil); err != nil {
		t.Fatalf("WriteToken() failed: %v", err)
	}

	plan2 := mustBuildPlan(t, reg, NewSliceSource(rows), steps...)
	if _, err := eng.Resume(ctx, plan2, runID); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}

	o := readOutcome(t, store, "orphan")
	if o.Kind != ledger.OutcomeFailed || o.Reason != "interrupted" {
		t.Errorf("orphan outcome = %s/%q, want failed/interrupted", o.Kind, o.Reason)
	}
}

func TestResume_CorruptCheckpointIsFatal(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)

	eng := New(store, WithLogger(quietLogger()))
	plan := mustBuildPlan(t, reg, NewSliceSource(sourceRows(1)), sinkSpec())

	ctx := context.Background()
	runID, _, _ := startCrashableRun(t, eng, plan)

	if err := store.WriteCheckpoint(ctx, ledger.Checkpoint{
		RunID:          runID,
		SourcePosition: 0,
		State:          `{"aggregation_state":{},"run_id":"x","source_read_position":0}`,
		StateHash:      "sha256:not-the-right-hash",
		Seq:            1,
	}); err != nil {
		t.Fatalf("WriteCheckpoint() failed: %v", err)
	}

	_, err := eng.Resume(ctx, plan, runID)
	if !IsCheckpointError(err) {
		t.Errorf("Resume() error = %v, want checkpoint error", err)
	}
}

func TestResume_MissingCheckpointIsFatal(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)

	eng := New(store, WithLogger(quietLogger()))
	plan := mustBuildPlan(t, reg, NewSliceSource(sourceRows(1)), sinkSpec())

	runID, _, _ := startCrashableRun(t, eng, plan)

	_, err := eng.Resume(context.Background(), plan, runID)
	if !IsCheckpointError(err) {
		t.Errorf("Resume() error = %v, want checkpoint error", err)
	}
}

func TestResume_FinishedRunRejected(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)

	eng := New(store, WithLogger(quietLogger()))
	plan := mustBuildPlan(t, reg, NewSliceSource(sourceRows(1)), sinkSpec())

	ctx := context.Background()
	report, err := eng.Run(ctx, plan)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	plan2 := mustBuildPlan(t, reg, NewSliceSource(sourceRows(1)), sinkSpec())
	if _, err := eng.Resume(ctx, plan2, report.RunID); err == nil {
		t.Error("Resume() accepted a completed run")
	}
}

func TestResume_ConfigChangeRejected(t *testing.T) {
	store := newTestStore(t)
	sink := &captureSink{}
	reg := newTestRegistry(sink)

	eng := New(store, WithLogger(quietLogger()))
	plan := mustBuildPlan(t, reg, NewSliceSource(sourceRows(1)), sinkSpec())

	ctx := context.Background()
	runID, _, cpm := startCrashableRun(t, eng, plan)
	if err := cpm.Capture(ctx, 0); err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}

	changed, err := BuildPlan(reg, "test-pipeline", "different-hash",
		sourceSpec(), NewSliceSource(sourceRows(1)), []NodeSpec{sinkSpec()})
	if err != nil {
		t.Fatalf("BuildPlan() failed: %v", err)
	}
	_, err = eng.Resume(ctx, changed, runID)
	if !IsCheckpointError(err) {
		t.Errorf("Resume() error = %v, want checkpoint error for config change", err)
	}
}
