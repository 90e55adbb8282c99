package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/ledger"
)

// AssertionContext carries the ledger access assertions evaluate against.
type AssertionContext struct {
	Store *ledger.Store
	Ctx   context.Context
}

// EvaluateAssertions checks every assertion against the run's recorded
// lineage and returns one message per failed assertion. Assertions are
// independent: all of them are evaluated even after a failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTokenOutcome:
			err = assertTokenOutcome(actx, &a)
		case AssertOutcomeCount:
			err = assertOutcomeCount(actx, result.Report.RunID, &a)
		case AssertBatchStatus:
			err = assertBatchStatus(actx, &a)
		case AssertSinkContains:
			err = assertSinkContains(result, &a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return failures
}

func assertTokenOutcome(actx *AssertionContext, a *Assertion) error {
	outcome, err := actx.Store.ReadOutcome(actx.Ctx, a.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("token %s has no outcome", a.Token)
	}
	if err != nil {
		return err
	}
	if string(outcome.Kind) != a.Kind {
		return fmt.Errorf("token %s outcome = %s, expected %s", a.Token, outcome.Kind, a.Kind)
	}
	if a.Reason != "" && outcome.Reason != a.Reason {
		return fmt.Errorf("token %s reason = %q, expected %q", a.Token, outcome.Reason, a.Reason)
	}
	return nil
}

func assertOutcomeCount(actx *AssertionContext, runID string, a *Assertion) error {
	tokens, err := actx.Store.ReadTokensForRun(actx.Ctx, runID)
	if err != nil {
		return err
	}
	count := 0
	for _, tok := range tokens {
		outcome, err := actx.Store.ReadOutcome(actx.Ctx, tok.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		if string(outcome.Kind) == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return fmt.Errorf("%d tokens with outcome %s, expected %d", count, a.Kind, a.Count)
	}
	return nil
}

func assertBatchStatus(actx *AssertionContext, a *Assertion) error {
	batch, err := actx.Store.ReadBatch(actx.Ctx, a.Batch)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("batch %s not found", a.Batch)
	}
	if err != nil {
		return err
	}
	if string(batch.Status) != a.Status {
		return fmt.Errorf("batch %s status = %s, expected %s", a.Batch, batch.Status, a.Status)
	}
	if a.Members > 0 {
		members, err := actx.Store.ReadBatchMembers(actx.Ctx, a.Batch)
		if err != nil {
			return err
		}
		if len(members) != a.Members {
			return fmt.Errorf("batch %s has %d members, expected %d", a.Batch, len(members), a.Members)
		}
	}
	return nil
}

func assertSinkContains(result *Result, a *Assertion) error {
	want, err := canon.Marshal(a.Row)
	if err != nil {
		return fmt.Errorf("row is not canonically encodable: %w", err)
	}
	for _, line := range result.Sink {
		if line == string(want) {
			return nil
		}
	}
	return fmt.Errorf("sink does not contain %s", want)
}
