package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracerow/tracerow/internal/ledger"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Ancestry bool
}

// TraceResult is the full lineage record for one token, assembled for
// display: identity, source row, parents, node executions, outcome, and
// optionally the transitive ancestor set.
type TraceResult struct {
	TokenID    string           `json:"token_id"`
	RunID      string           `json:"run_id"`
	RowID      string           `json:"row_id,omitempty"`
	RowIndex   *int64           `json:"row_index,omitempty"`
	RowHash    string           `json:"row_hash,omitempty"`
	ParentIDs  []string         `json:"parent_ids,omitempty"`
	NodeStates []TraceNodeState `json:"node_states"`
	Outcome    *TraceOutcome    `json:"outcome,omitempty"`
	Ancestry   []string         `json:"ancestry,omitempty"`
}

// TraceNodeState is one node execution attempt in display form.
type TraceNodeState struct {
	NodeID      string `json:"node_id"`
	StepIndex   int    `json:"step_index"`
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
	StartedSeq  int64  `json:"started_seq"`
	FinishedSeq int64  `json:"finished_seq,omitempty"`
}

// TraceOutcome is a token's terminal disposition in display form.
type TraceOutcome struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Seq    int64  `json:"seq"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <token-id>",
		Short: "Show the recorded lineage of a token",
		Long: `Trace a token through the ledger: its source row, parent tokens,
node executions, and terminal outcome. With --ancestry the transitive
ancestor set is included as well.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "tracerow.db", "ledger database path")
	cmd.Flags().BoolVar(&opts.Ancestry, "ancestry", false, "include transitive ancestors")

	return cmd
}

func runTrace(opts *TraceOptions, tokenID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	store, err := ledger.Open(opts.Database)
	if err != nil {
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "open ledger", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	trace, err := store.TraceToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			msg := fmt.Sprintf("token %s not found", tokenID)
			formatter.Error(msg, nil)
			return NewExitError(ExitFailure, msg)
		}
		formatter.Error(err.Error(), nil)
		return WrapExitError(ExitFailure, "trace token", err)
	}

	result := traceResult(trace)

	if opts.Ancestry {
		ancestry, err := store.ReadAncestry(ctx, tokenID)
		if err != nil {
			formatter.Error(err.Error(), nil)
			return WrapExitError(ExitFailure, "read ancestry", err)
		}
		result.Ancestry = ancestry
	}

	return formatter.SuccessText(result, func(w io.Writer) {
		printTrace(w, result)
	})
}

func traceResult(trace ledger.TokenTrace) TraceResult {
	result := TraceResult{
		TokenID:   trace.Token.ID,
		RunID:     trace.Token.RunID,
		RowID:     trace.Token.RowID,
		ParentIDs: trace.ParentIDs,
	}
	if trace.Row != nil {
		idx := trace.Row.Index
		result.RowIndex = &idx
		result.RowHash = trace.Row.ContentHash
	}
	for _, ns := range trace.NodeStates {
		result.NodeStates = append(result.NodeStates, TraceNodeState{
			NodeID:      ns.NodeID,
			StepIndex:   ns.StepIndex,
			Attempt:     ns.Attempt,
			Status:      string(ns.Status),
			StartedSeq:  ns.StartedSeq,
			FinishedSeq: ns.FinishedSeq,
		})
	}
	if trace.Outcome != nil {
		result.Outcome = &TraceOutcome{
			Kind:   string(trace.Outcome.Kind),
			Reason: trace.Outcome.Reason,
			Seq:    trace.Outcome.Seq,
		}
	}
	return result
}

func printTrace(w io.Writer, r TraceResult) {
	fmt.Fprintf(w, "token %s (run %s)\n", r.TokenID, r.RunID)
	if r.RowID != "" {
		fmt.Fprintf(w, "  row: %s", r.RowID)
		if r.RowIndex != nil {
			fmt.Fprintf(w, " (index %d, hash %s)", *r.RowIndex, r.RowHash)
		}
		fmt.Fprintln(w)
	}
	if len(r.ParentIDs) > 0 {
		fmt.Fprintf(w, "  parents: %v\n", r.ParentIDs)
	}
	for _, ns := range r.NodeStates {
		fmt.Fprintf(w, "  node %s (step %d, attempt %d): %s seq %d", ns.NodeID, ns.StepIndex, ns.Attempt, ns.Status, ns.StartedSeq)
		if ns.FinishedSeq > 0 {
			fmt.Fprintf(w, "..%d", ns.FinishedSeq)
		}
		fmt.Fprintln(w)
	}
	if r.Outcome != nil {
		fmt.Fprintf(w, "  outcome: %s", r.Outcome.Kind)
		if r.Outcome.Reason != "" {
			fmt.Fprintf(w, " (%s)", r.Outcome.Reason)
		}
		fmt.Fprintf(w, " seq %d\n", r.Outcome.Seq)
	}
	if len(r.Ancestry) > 0 {
		fmt.Fprintf(w, "  ancestry: %v\n", r.Ancestry)
	}
}
