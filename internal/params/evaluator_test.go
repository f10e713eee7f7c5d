package params

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
}

func testScope() Scope {
	return Scope{
		Steps: map[string]any{
			"enrichment": map[string]any{"score": 0.92, "label": "vip"},
		},
		Trigger:   map[string]any{"order_id": "ord-1", "total": float64(42)},
		Variables: map[string]any{"region": "eu"},
		Siblings: map[string]any{
			"enrichment": map[string]any{"score": 0.92, "label": "vip"},
		},
	}
}

func TestEvaluateExpressions(t *testing.T) {
	evaluator := NewEvaluatorAt(fixedClock)

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"step access", `steps.enrichment.score > 0.9`, true},
		{"trigger access", `trigger.order_id`, "ord-1"},
		{"variables", `variables.region == "eu"`, true},
		{"sibling short name", `enrichment.label`, "vip"},
		{"uppercase builtin", `$uppercase("hello")`, "HELLO"},
		{"lower builtin", `$lower("LOUD")`, "loud"},
		{"concat builtin", `$concat("a", "-", "b")`, "a-b"},
		{"len builtin", `$len("four")`, 4},
		{"int builtin", `$int("17")`, int64(17)},
		{"float builtin", `$float("2.5")`, 2.5},
		{"now builtin", `$now()`, "2024-03-15T10:30:00Z"},
		{"date builtin", `$date("YYYY-MM-DD")`, "2024-03-15"},
		{"arithmetic", `trigger.total * 2`, float64(84)},
		{"string ops", `"id-" + trigger.order_id`, "id-ord-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evaluator.Evaluate(tt.expr, testScope(), nil, "")
			require.True(t, result.Valid, "diagnostics: %v", result.Diagnostics)
			assert.Equal(t, tt.want, result.Value)
		})
	}
}

func TestEvaluateFallback(t *testing.T) {
	evaluator := NewEvaluator()

	t.Run("parse error without fallback is invalid", func(t *testing.T) {
		result := evaluator.Evaluate(`steps.(((`, testScope(), nil, "")
		assert.False(t, result.Valid)
		assert.Nil(t, result.Value)
		require.NotEmpty(t, result.Diagnostics)
		assert.Equal(t, "error", result.Diagnostics[0].Severity)
	})

	t.Run("parse error with fallback yields fallback", func(t *testing.T) {
		result := evaluator.Evaluate(`steps.(((`, testScope(), "default-value", "")
		assert.True(t, result.Valid)
		assert.Equal(t, "default-value", result.Value)
		assert.Equal(t, "warning", result.Diagnostics[0].Severity)
	})

	t.Run("empty expression", func(t *testing.T) {
		result := evaluator.Evaluate("", testScope(), nil, "")
		assert.False(t, result.Valid)
	})
}

func TestEvaluateComplexityLimit(t *testing.T) {
	evaluator := NewEvaluator()
	expr := "1" + strings.Repeat(" + 1", MaxASTNodes)
	result := evaluator.Evaluate(expr, Scope{}, nil, "")
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Diagnostics)
	assert.Contains(t, result.Diagnostics[0].Message, "complexity")
}

func TestEvaluateExpectedType(t *testing.T) {
	evaluator := NewEvaluator()

	result := evaluator.Evaluate(`"text"`, Scope{}, nil, "number")
	assert.False(t, result.Valid)

	result = evaluator.Evaluate(`21 * 2`, Scope{}, nil, "number")
	assert.True(t, result.Valid)
	assert.Equal(t, 42, result.Value)
}

func TestResolveTree(t *testing.T) {
	resolver := NewResolver(NewEvaluator())
	scope := Scope{
		Steps: map[string]any{
			"enrichment": map[string]any{
				"recommendations": []any{
					map[string]any{"product": "Premium Support", "score": 0.92},
					map[string]any{"product": "Analytics Add-on", "score": 0.81},
				},
			},
		},
		Trigger: map[string]any{"customer": "acme"},
	}

	parameters := map[string]any{
		"literal": "kept-verbatim",
		"top": map[string]any{
			"mode":   "ref",
			"nodeId": "enrichment",
			"path":   "recommendations[score > 0.9].product",
		},
		"greeting": map[string]any{
			"mode":       "expr",
			"expression": `$concat("hello ", trigger.customer)`,
		},
		"nested": map[string]any{
			"inner": []any{
				map[string]any{"mode": "ref", "nodeId": "trigger", "path": "customer"},
				float64(7),
			},
		},
		"withFallback": map[string]any{
			"mode":       "expr",
			"expression": `broken(((`,
			"fallback":   "fell-back",
		},
	}

	resolved, diagnostics, err := resolver.ResolveTree(parameters, scope)
	require.NoError(t, err)

	assert.Equal(t, "kept-verbatim", resolved["literal"])
	assert.Equal(t, []any{"Premium Support"}, resolved["top"])
	assert.Equal(t, "hello acme", resolved["greeting"])
	nested := resolved["nested"].(map[string]any)
	assert.Equal(t, []any{"acme", float64(7)}, nested["inner"])
	assert.Equal(t, "fell-back", resolved["withFallback"])
	assert.NotEmpty(t, diagnostics["withFallback"])
}

func TestResolveRefMissingNodeYieldsNil(t *testing.T) {
	resolver := NewResolver(NewEvaluator())
	value, err := resolver.ResolveRef(RefDirective{NodeID: "ghost", Path: "a.b"}, Scope{Steps: map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, value)
}
