// Package plugins provides the builtin plugin set wired into the CLI:
// a JSON-lines file source, basic row transforms and gates, batch
// aggregators, and output sinks. External deployments register their
// own plugins alongside these.
package plugins

import (
	"context"
	"fmt"
	"io"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/engine"
)

// Register installs the builtin plugins into a registry. Sink output
// goes to w.
func Register(reg *engine.Registry, w io.Writer) {
	reg.RegisterRow("identity", engine.RowPluginFunc(identity))
	reg.RegisterRow("set", engine.RowPluginFunc(setFields))
	reg.RegisterRow("require", engine.RowPluginFunc(requireFields))
	reg.RegisterRow("stdout", &writerSink{w: w})
	reg.RegisterRow("discard", engine.RowPluginFunc(identity))
	reg.RegisterBatch("sum", engine.BatchPluginFunc(sumBatch))
	reg.RegisterBatch("mean", engine.BatchPluginFunc(meanEnrich))
}

func identity(_ context.Context, row canon.Object, _ engine.ExecContext) engine.RowResult {
	return engine.Emit(row)
}

// setFields merges params.fields into the row, overwriting existing keys.
func setFields(_ context.Context, row canon.Object, ec engine.ExecContext) engine.RowResult {
	fields, ok := ec.Params["fields"].(canon.Object)
	if !ok {
		return engine.Failed("set: params.fields must be an object", false)
	}
	out := make(canon.Object, len(row)+len(fields))
	for k, v := range row {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return engine.Emit(out)
}

// requireFields quarantines rows missing any of params.fields.
func requireFields(_ context.Context, row canon.Object, ec engine.ExecContext) engine.RowResult {
	fields, ok := ec.Params["fields"].(canon.Array)
	if !ok {
		return engine.Failed("require: params.fields must be a list", false)
	}
	for _, f := range fields {
		name, ok := f.(canon.String)
		if !ok {
			return engine.Failed("require: params.fields must be strings", false)
		}
		if _, present := row[string(name)]; !present {
			return engine.Failed(fmt.Sprintf("missing required field %q", string(name)), false)
		}
	}
	return engine.Emit(row)
}

// writerSink prints each row as canonical JSON, one per line.
type writerSink struct {
	w io.Writer
}

func (s *writerSink) ProcessRow(_ context.Context, row canon.Object, _ engine.ExecContext) engine.RowResult {
	data, err := canon.Marshal(row)
	if err != nil {
		return engine.Failed(fmt.Sprintf("encode row: %v", err), false)
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
		return engine.Failed(fmt.Sprintf("write row: %v", err), true)
	}
	return engine.Emit(row)
}

// numericField reads a row's numeric field as float64.
func numericField(row canon.Object, field string) (float64, error) {
	switch v := row[field].(type) {
	case canon.Int:
		return float64(v), nil
	case canon.Float:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("field %q missing", field)
	default:
		return 0, fmt.Errorf("field %q is not numeric", field)
	}
}

func fieldParam(ec engine.ExecContext) (string, error) {
	f, ok := ec.Params["field"].(canon.String)
	if !ok || f == "" {
		return "", fmt.Errorf("params.field must be a non-empty string")
	}
	return string(f), nil
}

// sumBatch reduces a batch to a single row with the sum of params.field.
func sumBatch(_ context.Context, rows []canon.Object, ec engine.ExecContext) engine.RowResult {
	field, err := fieldParam(ec)
	if err != nil {
		return engine.Failed("sum: "+err.Error(), false)
	}
	var total float64
	for i, row := range rows {
		v, err := numericField(row, field)
		if err != nil {
			return engine.Failed(fmt.Sprintf("sum: row %d: %v", i, err), false)
		}
		total += v
	}
	out, err := canon.FromAny(map[string]any{
		"count": len(rows),
		field:   total,
	})
	if err != nil {
		return engine.Failed("sum: "+err.Error(), false)
	}
	return engine.Emit(out.(canon.Object))
}

// meanEnrich adds the batch mean of params.field to each row under
// "mean_<field>". Row count is preserved; meant for passthrough mode.
func meanEnrich(_ context.Context, rows []canon.Object, ec engine.ExecContext) engine.RowResult {
	field, err := fieldParam(ec)
	if err != nil {
		return engine.Failed("mean: "+err.Error(), false)
	}
	var total float64
	for i, row := range rows {
		v, err := numericField(row, field)
		if err != nil {
			return engine.Failed(fmt.Sprintf("mean: row %d: %v", i, err), false)
		}
		total += v
	}
	mean := total / float64(len(rows))
	meanVal, err := canon.FromAny(mean)
	if err != nil {
		return engine.Failed("mean: "+err.Error(), false)
	}

	out := make([]canon.Object, len(rows))
	for i, row := range rows {
		enriched := make(canon.Object, len(row)+1)
		for k, v := range row {
			enriched[k] = v
		}
		enriched["mean_"+field] = meanVal
		out[i] = enriched
	}
	return engine.RowResult{Rows: out}
}
