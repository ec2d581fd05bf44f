package config

import (
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.chipws", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), diags.Error())
	return expr
}

func TestParseDuration(t *testing.T) {
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"timeout": cty.StringVal("90s"),
		},
	}

	tests := []struct {
		name        string
		input       string
		expected    time.Duration
		expectError bool
	}{
		{name: "integer seconds", input: "30", expected: 30 * time.Second},
		{name: "float seconds", input: "1.5", expected: 1500 * time.Millisecond},
		{name: "zero", input: "0", expected: 0},
		{name: "negative seconds", input: "-5", expectError: true},
		{name: "ISO 8601 minutes", input: `"PT5M"`, expected: 5 * time.Minute},
		{name: "ISO 8601 hours and minutes", input: `"PT1H30M"`, expected: 90 * time.Minute},
		{name: "ISO 8601 days", input: `"P2D"`, expected: 48 * time.Hour},
		{name: "invalid ISO 8601", input: `"PXX"`, expectError: true},
		{name: "Go duration", input: `"250ms"`, expected: 250 * time.Millisecond},
		{name: "Go duration with spaces", input: `"  1m30s  "`, expected: 90 * time.Second},
		{name: "negative Go duration", input: `"-1s"`, expectError: true},
		{name: "invalid string", input: `"soon"`, expectError: true},
		{name: "bool", input: "true", expectError: true},
		{name: "null", input: "null", expectError: true},
		{name: "variable", input: "timeout", expected: 90 * time.Second},
		{name: "unknown variable", input: "nope", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, diags := ParseDuration(parseExpr(t, tt.input), evalCtx)
			if tt.expectError {
				assert.True(t, diags.HasErrors())
				return
			}
			require.False(t, diags.HasErrors(), diags.Error())
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestIsExpressionProvided(t *testing.T) {
	assert.True(t, IsExpressionProvided(parseExpr(t, "1")))
	assert.False(t, IsExpressionProvided(nil))
	assert.False(t, IsExpressionProvided(hcl.StaticExpr(cty.NullVal(cty.DynamicPseudoType), hcl.Range{})))
}
