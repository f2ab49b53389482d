package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTable(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "query", "flights")
	require.NoError(t, err)
	assert.Equal(t, "[number: 1, pilot: \"Jones\"]\n[number: 2, pilot: \"Smith\"]\n", out)
}

func TestQueryViewWhere(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "query", "schedule",
		"--where", `{match: {home: "Chicago"}}`)
	require.NoError(t, err)
	assert.Equal(t, "[home: \"Chicago\", name: \"Smith\", number: 2, pilot: \"Smith\"]\n", out)

	out, err = execute(t, "--schema", airlineSchema, "query", "flights",
		"-w", `{op: gt, args: [{attr: number}, {const: 1}]}`)
	require.NoError(t, err)
	assert.Equal(t, "[number: 2, pilot: \"Smith\"]\n", out)
}

func TestQueryLimitJSON(t *testing.T) {
	out, err := execute(t, "--schema", airlineSchema, "--format", "json", "query", "pilots", "-n", "1")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []map[string]any{{"home": "Chicago", "name": "Smith"}}, resp.Data)
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "unknown relation",
			args: []string{"query", "crew"},
			want: "Error [E112]: unknown relation \"crew\"",
		},
		{
			name: "unknown attribute in where",
			args: []string{"query", "flights", "--where", "{match: {home: Chicago}}"},
			want: "Error [E113]: predicate names attributes [home] not in [number, pilot]",
		},
		{
			name: "empty where",
			args: []string{"query", "flights", "--where", "{}"},
			want: "Error [E113]: empty expression",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"--schema", airlineSchema}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestQueryMissingSchema(t *testing.T) {
	_, err := execute(t, "--schema", t.TempDir(), "query", "flights")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load schema")
}
