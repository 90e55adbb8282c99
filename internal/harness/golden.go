package harness

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// buildSnapshot reads the run's lineage back out of the ledger into a
// plain map for canonical serialization. Content hashes and wall-clock
// timestamps are excluded; token ids and logical sequence numbers carry
// the ordering, and both are deterministic under the harness.
func buildSnapshot(ctx context.Context, store *ledger.Store, scenarioName, runID string, sink []string) (map[string]any, error) {
	run, err := store.ReadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	tokens, err := store.ReadTokensForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tokenList := make([]any, 0, len(tokens))
	for _, tok := range tokens {
		entry := map[string]any{
			"id":          tok.ID,
			"created_seq": tok.CreatedSeq,
		}
		if tok.RowID != "" {
			entry["row"] = tok.RowID
		}
		parents, err := store.ReadParents(ctx, tok.ID)
		if err != nil {
			return nil, err
		}
		if len(parents) > 0 {
			entry["parents"] = toAnySlice(parents)
		}
		outcome, err := store.ReadOutcome(ctx, tok.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			o := map[string]any{
				"kind": string(outcome.Kind),
				"seq":  outcome.Seq,
			}
			if outcome.Reason != "" {
				o["reason"] = outcome.Reason
			}
			entry["outcome"] = o
		}
		tokenList = append(tokenList, entry)
	}

	batches, err := store.ReadBatchesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	batchList := make([]any, 0, len(batches))
	for _, b := range batches {
		members, err := store.ReadBatchMembers(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		memberIDs := make([]any, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.TokenID)
		}
		batchList = append(batchList, map[string]any{
			"id":         b.ID,
			"node":       b.NodeID,
			"status":     string(b.Status),
			"opened_seq": b.OpenedSeq,
			"closed_seq": b.ClosedSeq,
			"members":    memberIDs,
		})
	}

	return map[string]any{
		"scenario": scenarioName,
		"run": map[string]any{
			"id":       run.ID,
			"pipeline": run.Pipeline,
			"status":   string(run.Status),
			"degraded": run.Degraded,
		},
		"tokens":  tokenList,
		"batches": batchList,
		"sink":    toAnySlice(sink),
	}, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// RunWithGolden executes a scenario and compares its lineage snapshot
// against testdata/golden/<name>.golden. Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	data, err := canon.Marshal(result.Snapshot)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)

	return result, nil
}
