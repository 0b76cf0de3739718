package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", filepath.Join("testdata", "definitions.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidate_ValidDocument(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "definitions.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓")
	assert.Contains(t, out, "1 stream(s)")
}

func TestValidate_ValidDocumentJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "definitions.yaml"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidate_InvalidDocument(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "invalid.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗")
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join("testdata", "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_Scenario(t *testing.T) {
	out, err := execute(t, "run", filepath.Join("testdata", "scenario.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "scenario spike-run")
	assert.Contains(t, out, "query spike: 1 record(s)")
	assert.Contains(t, out, "Spikes")
	assert.Contains(t, out, "50")
	assert.Contains(t, out, "150")
}

func TestRun_ScenarioJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "run", filepath.Join("testdata", "scenario.yaml"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRun_MissingScenario(t *testing.T) {
	_, err := execute(t, "run", filepath.Join("testdata", "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
