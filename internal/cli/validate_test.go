package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidSchema(t *testing.T) {
	out, err := execute(t, "validate", airlineSchema)
	require.NoError(t, err)
	assert.Equal(t, "✓ Schema valid (2 tables, 3 views)\n", out)
}

func TestValidateUsesSchemaFlag(t *testing.T) {
	out, err := execute(t, "--schema", filepath.Join(airlineSchema, "airline.cue"), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Schema valid")
}

func TestValidateValidSchemaJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", airlineSchema)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 2, resp.Data.Tables)
	assert.Equal(t, 3, resp.Data.Views)
}

func TestValidateInvalidSchema(t *testing.T) {
	out, err := execute(t, "validate", invalidSchema)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E112")
	assert.Contains(t, out, `"crew"`)
}

func TestValidateInvalidSchemaJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", invalidSchema)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotEmpty(t, resp.Data.Errors)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E112", resp.Error.Code)
}

func TestValidateMissingPath(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}
