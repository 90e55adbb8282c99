package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidPipeline(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, dir, filepath.Join(dir, "in.jsonl"))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{pipeline})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "scores is valid")
	assert.Contains(t, output, "config hash:")
}

func TestValidateValidPipelineJSON(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, dir, filepath.Join(dir, "in.jsonl"))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{pipeline})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result ValidateResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "scores", result.Name)
	assert.Equal(t, "src", result.Source)
	assert.Equal(t, []string{"agg", "out"}, result.Steps)
	assert.NotEmpty(t, result.ConfigHash)
}

func TestValidateMissingFile(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.cue")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateMalformedPipeline(t *testing.T) {
	dir := t.TempDir()
	bad := `
pipeline: {
	name: "p"
	source: {id: "src", plugin: "jsonl", type: "source"}
	steps: [{id: "agg", plugin: "sum", type: "aggregation"}]
}
`
	path := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "Error:")
}
