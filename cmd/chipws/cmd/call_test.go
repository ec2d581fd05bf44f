package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallArgs(t *testing.T) {
	tests := []struct {
		name        string
		argsJSON    string
		pairs       []string
		expected    map[string]any
		expectError bool
	}{
		{
			name:     "no arguments",
			expected: map[string]any{},
		},
		{
			name:  "JSON values",
			pairs: []string{"node_id=1", "enabled=true", "ids=[1,2]", "label=null"},
			expected: map[string]any{
				"node_id": float64(1),
				"enabled": true,
				"ids":     []any{float64(1), float64(2)},
				"label":   nil,
			},
		},
		{
			name:  "plain strings",
			pairs: []string{"code=3497-011-2337", "path=0/40/1", "empty="},
			expected: map[string]any{
				"code":  "3497-011-2337",
				"path":  "0/40/1",
				"empty": "",
			},
		},
		{
			name:     "value containing equals",
			pairs:    []string{"expr=a=b"},
			expected: map[string]any{"expr": "a=b"},
		},
		{
			name:     "pairs override --args",
			argsJSON: `{"node_id": 1, "attribute_path": "0/40/1"}`,
			pairs:    []string{"node_id=2"},
			expected: map[string]any{
				"node_id":        float64(2),
				"attribute_path": "0/40/1",
			},
		},
		{
			name:     "null --args",
			argsJSON: "null",
			expected: map[string]any{},
		},
		{
			name:        "--args not an object",
			argsJSON:    `[1, 2]`,
			expectError: true,
		},
		{
			name:        "missing separator",
			pairs:       []string{"node_id"},
			expectError: true,
		},
		{
			name:        "empty key",
			pairs:       []string{"=1"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCallArgs(tt.argsJSON, tt.pairs)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCompileFilterErrors(t *testing.T) {
	_, err := compileFilter(".[")
	assert.ErrorContains(t, err, "failed to parse jq filter")

	_, err = compileFilter("$undefined")
	assert.ErrorContains(t, err, "failed to compile jq filter")
}

func TestRunFilter(t *testing.T) {
	nodes := []any{
		map[string]any{"node_id": float64(1), "available": true},
		map[string]any{"node_id": float64(2), "available": false},
	}

	code, err := compileFilter(".[] | select(.available) | .node_id")
	require.NoError(t, err)
	out, err := runFilter(code, nodes)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1)}, out)

	code, err = compileFilter("empty")
	require.NoError(t, err)
	out, err = runFilter(code, nodes)
	require.NoError(t, err)
	assert.Empty(t, out)

	code, err = compileFilter(`error("boom")`)
	require.NoError(t, err)
	_, err = runFilter(code, nodes)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, map[string]any{"fabric_id": float64(1)}, nil))
	assert.Equal(t, "{\n  \"fabric_id\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, nil, nil))
	assert.Equal(t, "null\n", buf.String())

	code, err := compileFilter(".[]")
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, printResult(&buf, []any{"a", "b"}, code))
	assert.Equal(t, "\"a\"\n\"b\"\n", buf.String())
}
