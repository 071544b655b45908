package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionEnv() *Environment {
	return NewEnvironment(map[string]any{
		"name":   "ada",
		"count":  float64(3),
		"ok":     true,
		"zero":   float64(0),
		"empty":  "",
		"obj":    map[string]any{"k": "v"},
		"tags":   []any{"x", "y"},
		"none":   nil,
		"emptyO": map[string]any{},
		"emptyA": []any{},
	})
}

func TestEvaluateCondition(t *testing.T) {
	env := conditionEnv()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "number equality", expr: "1 === 1", want: true},
		{name: "number inequality", expr: "1 !== 2", want: true},
		{name: "strict equality across types", expr: `"1" === 1`, want: false},
		{name: "string equality double quotes", expr: `"ada" === "ada"`, want: true},
		{name: "string equality single quotes", expr: `'ada' === 'ada'`, want: true},
		{name: "ref against string literal", expr: `{{name}} === 'ada'`, want: true},
		{name: "ref against number", expr: "{{count}} === 3", want: true},
		{name: "less than", expr: "{{count}} < 5", want: true},
		{name: "greater or equal", expr: "{{count}} >= 3", want: true},
		{name: "string ordering", expr: `"apple" < "banana"`, want: true},
		{name: "boolean literal", expr: "true", want: true},
		{name: "and", expr: "true && true", want: true},
		{name: "and false", expr: "true && false", want: false},
		{name: "or", expr: "false || true", want: true},
		{name: "precedence or over and", expr: "true || false && false", want: true},
		{name: "parens override", expr: "(true || false) && false", want: false},
		{name: "missing ref is null", expr: "{{missing}} === null", want: true},
		{name: "missing ref truthiness", expr: "{{missing}}", want: false},
		{name: "null literal inequality", expr: "null !== 1", want: true},
		{name: "deep object equality", expr: "{{obj}} === {{obj}}", want: true},
		{name: "deep array equality", expr: "{{tags}} === {{tags}}", want: true},
		{name: "array not equal object", expr: "{{tags}} === {{obj}}", want: false},
		{name: "truthy string", expr: "{{name}}", want: true},
		{name: "falsy zero", expr: "{{zero}}", want: false},
		{name: "falsy empty string", expr: "{{empty}}", want: false},
		{name: "falsy null ref", expr: "{{none}}", want: false},
		{name: "empty object is truthy", expr: "{{emptyO}}", want: true},
		{name: "empty array is truthy", expr: "{{emptyA}}", want: true},
		{name: "truthy operands of and", expr: `{{name}} && {{count}}`, want: true},
		{name: "short circuit or", expr: `{{name}} || {{missing}}`, want: true},
		{name: "exponent number literal", expr: "1e3 === 1000", want: true},
		{name: "negative numbers", expr: "-1 < 0", want: true},
		{name: "combined", expr: `{{count}} > 1 && ({{name}} === 'ada' || false)`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_Errors(t *testing.T) {
	env := conditionEnv()

	tests := []struct {
		name    string
		expr    string
		wantMsg string
	}{
		{name: "empty", expr: "", wantMsg: "condition is empty"},
		{name: "blank", expr: "   ", wantMsg: "condition is empty"},
		{name: "single equals", expr: "1 = 1", wantMsg: `use "==="`},
		{name: "double equals", expr: "1 == 1", wantMsg: `use "==="`},
		{name: "loose not equal", expr: "1 != 2", wantMsg: `use "!=="`},
		{name: "single ampersand", expr: "true & false", wantMsg: `use "&&"`},
		{name: "single pipe", expr: "true | false", wantMsg: `use "||"`},
		{name: "bare identifier", expr: "name === 'ada'", wantMsg: "malformed literal"},
		{name: "unterminated string", expr: "'ada", wantMsg: "unterminated string literal"},
		{name: "missing right paren", expr: "(1 === 1", wantMsg: `expected ")"`},
		{name: "trailing tokens", expr: "1 === 1 2", wantMsg: "after expression"},
		{name: "chained comparison", expr: "1 < 2 < 3", wantMsg: "after expression"},
		{name: "dangling operator", expr: "1 ===", wantMsg: "expected a value"},
		{name: "ordering number vs string", expr: `1 < "2"`, wantMsg: "cannot compare number with string"},
		{name: "ordering null", expr: "null < 1", wantMsg: "ordering requires two numbers or two strings"},
		{name: "ordering objects", expr: "{{obj}} < {{obj}}", wantMsg: "ordering requires two numbers or two strings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvaluateCondition(tt.expr, env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestEvaluateCondition_RefSubstitutionIsJSON(t *testing.T) {
	env := conditionEnv()

	// References are replaced by their JSON literals before parsing, so a
	// string value compares equal to a quoted literal, not to a bare word.
	got, err := EvaluateCondition(`{{name}} === "ada"`, env)
	require.NoError(t, err)
	assert.True(t, got)

	// An object reference becomes an object literal that can be compared.
	got, err = EvaluateCondition(`{{obj}} !== null`, env)
	require.NoError(t, err)
	assert.True(t, got)
}
