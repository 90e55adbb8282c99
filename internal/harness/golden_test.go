package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoldenSumScores(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass(), "assertion failures: %v", result.Errors)
}

func TestGoldenMeanPassthrough(t *testing.T) {
	scenario := loadTestScenario(t, "mean_passthrough.yaml")

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass(), "assertion failures: %v", result.Errors)
}

func TestSnapshotDeterministic(t *testing.T) {
	scenario := loadTestScenario(t, "sum_scores.yaml")

	a, err := Run(scenario)
	require.NoError(t, err)
	b, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, a.Snapshot, b.Snapshot)
	assert.Equal(t, a.Sink, b.Sink)
}
