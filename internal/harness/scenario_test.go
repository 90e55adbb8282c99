package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "sum_scores.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sum_scores", s.Name)
	assert.Equal(t, "run-sum", s.RunID)
	assert.Equal(t, filepath.Join("testdata", "pipelines", "sum.cue"), s.Pipeline)
	assert.Len(t, s.Input, 3)
	require.NotNil(t, s.Expect)
	assert.Equal(t, "completed", s.Expect.Status)
	require.NotNil(t, s.Expect.Degraded)
	assert.False(t, *s.Expect.Degraded)
	assert.Len(t, s.Assertions, 6)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadScenarioRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	// "assertion" instead of "assertions" must be caught as a typo.
	src := `
name: typo
description: typo scenario
pipeline: p.cue
input:
  - {a: 1}
assertion:
  - type: outcome_count
    kind: completed
    count: 1
`
	path := writeScenarioFile(t, dir, src)

	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenarioValidation(t *testing.T) {
	dir := t.TempDir()
	pipeline := filepath.Join(dir, "p.cue")
	require.NoError(t, os.WriteFile(pipeline, []byte(`pipeline: {}`), 0o644))

	cases := map[string]string{
		"missing name": `
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: [{type: outcome_count, kind: completed, count: 1}]
`,
		"missing pipeline file": `
name: n
description: d
pipeline: missing.cue
input: [{a: 1}]
assertions: [{type: outcome_count, kind: completed, count: 1}]
`,
		"empty input": `
name: n
description: d
pipeline: p.cue
input: []
assertions: [{type: outcome_count, kind: completed, count: 1}]
`,
		"no assertions": `
name: n
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: []
`,
		"unknown assertion type": `
name: n
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: [{type: trace_contains, kind: completed}]
`,
		"token_outcome without token": `
name: n
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: [{type: token_outcome, kind: completed}]
`,
		"batch_status without status": `
name: n
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: [{type: batch_status, batch: id-000002}]
`,
		"sink_contains without row": `
name: n
description: d
pipeline: p.cue
input: [{a: 1}]
assertions: [{type: sink_contains}]
`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeScenarioFile(t, dir, src)
			_, err := LoadScenario(path)
			require.Error(t, err)
		})
	}
}

var scenarioFileSeq int

func writeScenarioFile(t *testing.T, dir, src string) string {
	t.Helper()
	scenarioFileSeq++
	path := filepath.Join(dir, fmt.Sprintf("scenario%d.yaml", scenarioFileSeq))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}
