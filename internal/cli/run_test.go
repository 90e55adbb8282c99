package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePipeline writes a pipeline definition reading JSONL from inputPath
// and discarding sink rows, so command output holds only the run summary.
func writePipeline(t *testing.T, dir, inputPath string) string {
	t.Helper()
	src := fmt.Sprintf(`
pipeline: {
	name: "scores"
	source: {id: "src", plugin: "jsonl", type: "source", params: {path: %q}}
	steps: [
		{
			id:     "agg"
			plugin: "sum"
			type:   "aggregation"
			params: {field: "score"}
			aggregation: {count: 3, mode: "transform", expected_output_count: 1}
		},
		{id: "out", plugin: "discard", type: "sink"},
	]
}
`, inputPath)
	path := filepath.Join(dir, "pipeline.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func writeInput(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "in.jsonl")
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// runSummaryJSON executes the run command in JSON format and returns the
// decoded summary.
func runSummaryJSON(t *testing.T, pipelinePath, dbPath string) RunSummary {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pipelinePath, "--db", dbPath})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var summary RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	return summary
}

func TestRunCommandCompletesPipeline(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir,
		`{"score": 10}`,
		`{"score": 20}`,
		`{"score": 30}`,
	)
	pipeline := writePipeline(t, dir, input)

	summary := runSummaryJSON(t, pipeline, filepath.Join(dir, "ledger.db"))
	assert.Equal(t, "completed", summary.Status)
	assert.False(t, summary.Degraded)
	assert.EqualValues(t, 3, summary.RowsRead)
	assert.NotEmpty(t, summary.RunID)
}

func TestRunCommandTextOutput(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, `{"score": 5}`)
	pipeline := writePipeline(t, dir, input)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pipeline, "--db", filepath.Join(dir, "ledger.db")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "completed")
}

func TestRunCommandInputOverride(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, dir, filepath.Join(dir, "does-not-exist.jsonl"))
	override := writeInput(t, dir, `{"score": 1}`, `{"score": 2}`, `{"score": 3}`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pipeline, "--db", filepath.Join(dir, "ledger.db"), "--input", override})

	require.NoError(t, cmd.Execute())
}

func TestRunCommandMissingPipeline(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.cue"), "--db", filepath.Join(t.TempDir(), "ledger.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommandMissingInput(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, dir, filepath.Join(dir, "missing.jsonl"))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{pipeline, "--db", filepath.Join(dir, "ledger.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
