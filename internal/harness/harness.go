package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/config"
	"github.com/tracerow/tracerow/internal/engine"
	"github.com/tracerow/tracerow/internal/ledger"
	"github.com/tracerow/tracerow/internal/plugins"
)

// frozenNow is the wall clock every scenario runs under. Elapsed-time
// triggers never fire during a scenario, so only count triggers and the
// end-of-source drain shape the lineage.
var frozenNow = time.Unix(1700000000, 0).UTC()

// Result holds everything a scenario run produced: the run report, the
// sink output, the lineage snapshot, and any assertion failures.
type Result struct {
	Report   engine.RunReport
	Sink     []string
	Snapshot map[string]any
	Errors   []string
}

// Pass reports whether every expectation and assertion held.
func (r *Result) Pass() bool { return len(r.Errors) == 0 }

// AddError records an assertion failure.
func (r *Result) AddError(msg string) { r.Errors = append(r.Errors, msg) }

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory ledger with sequential
// token ids, a pinned run id, and a frozen wall clock, so the recorded
// lineage is identical across runs.
func Run(scenario *Scenario) (*Result, error) {
	pipeline, err := config.Load(scenario.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	store, err := ledger.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory ledger: %w", err)
	}
	defer store.Close()

	rows := make([]canon.Object, 0, len(scenario.Input))
	for i, in := range scenario.Input {
		row, err := canon.ObjectFromAnyMap(in)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %w", i, err)
		}
		rows = append(rows, row)
	}
	src := engine.NewSliceSource(rows)

	var sink bytes.Buffer
	reg := engine.NewRegistry()
	plugins.Register(reg, &sink)

	plan, err := pipeline.Plan(reg, src)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	runID := scenario.RunID
	if runID == "" {
		runID = "run-" + scenario.Name
	}

	opts := []engine.Option{
		engine.WithTokenGenerator(engine.NewSequenceGenerator("id")),
		engine.WithRunIDFunc(func() string { return runID }),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithNow(func() time.Time { return frozenNow }),
		engine.WithCheckpointEvery(pipeline.CheckpointEvery),
	}
	if pipeline.HaltOnContract {
		opts = append(opts, engine.WithHaltOnContract())
	}
	eng := engine.New(store, opts...)

	ctx := context.Background()
	report, runErr := eng.Run(ctx, plan)

	result := &Result{
		Report: report,
		Sink:   sinkLines(sink.String()),
	}

	if scenario.Expect != nil {
		if string(report.Status) != scenario.Expect.Status {
			result.AddError(fmt.Sprintf("run status = %s, expected %s", report.Status, scenario.Expect.Status))
		}
		if scenario.Expect.Degraded != nil && report.Degraded != *scenario.Expect.Degraded {
			result.AddError(fmt.Sprintf("run degraded = %v, expected %v", report.Degraded, *scenario.Expect.Degraded))
		}
	} else if runErr != nil {
		result.AddError(fmt.Sprintf("run failed: %v", runErr))
	}

	actx := &AssertionContext{Store: store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	snap, err := buildSnapshot(ctx, store, scenario.Name, runID, result.Sink)
	if err != nil {
		return nil, fmt.Errorf("build lineage snapshot: %w", err)
	}
	result.Snapshot = snap

	return result, nil
}

func sinkLines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
