package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return s
}

func TestRunSumScenario(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass(), "assertion failures: %v", result.Errors)

	assert.Equal(t, "run-sum", result.Report.RunID)
	assert.EqualValues(t, 3, result.Report.RowsRead)
	assert.Equal(t, []string{`{"count":3,"score":60}`}, result.Sink)
}

func TestRunMeanScenario(t *testing.T) {
	scenario := loadTestScenario(t, "mean_passthrough.yaml")

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass(), "assertion failures: %v", result.Errors)

	assert.Equal(t, []string{
		`{"mean_score":20,"score":10}`,
		`{"mean_score":20,"score":30}`,
	}, result.Sink)
}

func TestRunReportsFailedAssertions(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")
	scenario.Assertions = []Assertion{
		{Type: AssertOutcomeCount, Kind: "completed", Count: 99},
		{Type: AssertTokenOutcome, Token: "id-000001", Kind: "completed"},
		{Type: AssertBatchStatus, Batch: "no-such-batch", Status: "flushed"},
		{Type: AssertSinkContains, Row: map[string]any{"never": true}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass())
	// Every assertion is evaluated, not just the first failure.
	assert.Len(t, result.Errors, 4)
}

func TestRunExpectMismatchReported(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")
	scenario.Expect = &RunExpect{Status: "failed"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass())
	assert.Contains(t, result.Errors[0], "run status")
}

func TestRunDefaultsRunID(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")
	scenario.RunID = ""

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, "run-sum_scores", result.Report.RunID)
}
