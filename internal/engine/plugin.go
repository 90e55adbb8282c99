package engine

import (
	"context"
	"fmt"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// ExecContext carries the per-call execution context into plugins.
// Explicit by design: plugins receive everything they need as a value,
// never through ambient singletons.
type ExecContext struct {
	RunID  string
	NodeID string
	Params canon.Object
	Ledger *ledger.Store
}

// Failure is a structured plugin failure.
type Failure struct {
	Reason    string
	Retryable bool
}

// RowResult is the outcome of a plugin call. Exactly one of the
// following shapes:
//   - Failure != nil: structured failure, Rows ignored
//   - len(Rows) == 0: row consumed (gate drop)
//   - len(Rows) == 1: pass-through, possibly enriched
//   - len(Rows) >  1: fan-out
//
// For BatchPlugin calls the same shape applies to the whole batch, and
// output row order must correspond 1:1 to input submission order when
// the aggregation runs in passthrough mode.
type RowResult struct {
	Rows    []canon.Object
	Failure *Failure
}

// Failed constructs a failure result.
func Failed(reason string, retryable bool) RowResult {
	return RowResult{Failure: &Failure{Reason: reason, Retryable: retryable}}
}

// Emit constructs a success result from the given rows.
func Emit(rows ...canon.Object) RowResult {
	return RowResult{Rows: rows}
}

// RowPlugin processes a single row. Implemented by transforms, gates,
// and sinks. A call is synchronous from the engine's point of view; any
// internal parallelism (e.g. a pooled dispatcher for outbound calls) is
// the plugin's own business and must not reorder results.
type RowPlugin interface {
	ProcessRow(ctx context.Context, row canon.Object, ec ExecContext) RowResult
}

// BatchPlugin processes an ordered batch of rows from a flushed
// aggregation buffer. The capability is declared by implementing this
// interface; resolution happens at plan-construction time, never by
// runtime type inspection of an opaque plugin object.
type BatchPlugin interface {
	ProcessBatch(ctx context.Context, rows []canon.Object, ec ExecContext) RowResult
}

// Source supplies rows to a run. Sources are positional so a resumed
// run can seek back to the exact next-unread row.
type Source interface {
	// Next returns the next row. ok=false means the source is exhausted.
	Next(ctx context.Context) (row canon.Object, ok bool, err error)

	// Position returns the count of rows already delivered; the next
	// row delivered has this index.
	Position() int64

	// Seek repositions the source so the next Next call delivers the
	// row at pos. Sources that cannot seek return an error, which makes
	// them ineligible for resume.
	Seek(pos int64) error
}

// RowPluginFunc adapts a function to the RowPlugin interface.
type RowPluginFunc func(ctx context.Context, row canon.Object, ec ExecContext) RowResult

// ProcessRow implements RowPlugin.
func (f RowPluginFunc) ProcessRow(ctx context.Context, row canon.Object, ec ExecContext) RowResult {
	return f(ctx, row, ec)
}

// BatchPluginFunc adapts a function to the BatchPlugin interface.
type BatchPluginFunc func(ctx context.Context, rows []canon.Object, ec ExecContext) RowResult

// ProcessBatch implements BatchPlugin.
func (f BatchPluginFunc) ProcessBatch(ctx context.Context, rows []canon.Object, ec ExecContext) RowResult {
	return f(ctx, rows, ec)
}

// Registry is the closed set of named plugins available to a run.
// Plan construction resolves node plugin names against it once; an
// unknown name or a missing capability is a configuration error, not a
// runtime surprise.
type Registry struct {
	rows    map[string]RowPlugin
	batches map[string]BatchPlugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		rows:    make(map[string]RowPlugin),
		batches: make(map[string]BatchPlugin),
	}
}

// RegisterRow registers a row-capable plugin under a name.
func (r *Registry) RegisterRow(name string, p RowPlugin) {
	r.rows[name] = p
}

// RegisterBatch registers a batch-capable plugin under a name.
func (r *Registry) RegisterBatch(name string, p BatchPlugin) {
	r.batches[name] = p
}

// Row resolves a row plugin by name.
func (r *Registry) Row(name string) (RowPlugin, error) {
	p, ok := r.rows[name]
	if !ok {
		return nil, fmt.Errorf("unknown row plugin %q", name)
	}
	return p, nil
}

// Batch resolves a batch plugin by name.
func (r *Registry) Batch(name string) (BatchPlugin, error) {
	p, ok := r.batches[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q does not accept batches", name)
	}
	return p, nil
}
