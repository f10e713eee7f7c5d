package params

import (
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// MaxASTNodes bounds expression complexity.
const MaxASTNodes = 256

var dollarFnRegex = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Diagnostic is a structured evaluation note surfaced to node logs
type Diagnostic struct {
	Severity string `json:"severity"` // warning | error
	Message  string `json:"message"`
}

// EvalResult is the outcome of evaluating an expression
type EvalResult struct {
	Value       any          `json:"value"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Valid       bool         `json:"valid"`
}

// Scope is the read-only environment expressions evaluate against
type Scope struct {
	Steps     map[string]any
	Trigger   any
	Variables map[string]any
	// Siblings exposes the running node's siblings by short name.
	Siblings map[string]any
}

// Evaluator evaluates sandboxed expressions. It never touches host I/O:
// the environment contains only the scope data and the whitelisted builtins.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator using wall-clock time.
func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewEvaluatorAt creates an evaluator with a fixed clock, for tests.
func NewEvaluatorAt(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate compiles and runs an expression against the scope. A parse or
// compile failure with a fallback yields the fallback; without one, the
// result is invalid with a nil value and the caller decides blocking.
// expectedType, when non-empty, type-checks the result
// (string | number | boolean | array | object).
func (e *Evaluator) Evaluate(expression string, scope Scope, fallback any, expectedType string) EvalResult {
	if expression == "" {
		return failed("empty expression", fallback)
	}

	rewritten := dollarFnRegex.ReplaceAllString(expression, fnName("$1"))

	tree, err := parser.Parse(rewritten)
	if err != nil {
		return failed(fmt.Sprintf("parse error: %v", err), fallback)
	}
	counter := &nodeCounter{}
	ast.Walk(&tree.Node, counter)
	if counter.count > MaxASTNodes {
		return failed(fmt.Sprintf("expression exceeds complexity limit (%d nodes)", MaxASTNodes), fallback)
	}

	env := e.buildEnv(scope)
	program, err := expr.Compile(rewritten, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return failed(fmt.Sprintf("compile error: %v", err), fallback)
	}

	value, err := expr.Run(program, env)
	if err != nil {
		return failed(fmt.Sprintf("evaluation error: %v", err), fallback)
	}

	result := EvalResult{Value: value, Valid: true}
	if expectedType != "" && !matchesType(value, expectedType) {
		result.Valid = false
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Severity: "error",
			Message:  fmt.Sprintf("result type %T does not match expected %s", value, expectedType),
		})
		if fallback != nil {
			result.Value = fallback
		}
	}
	return result
}

func (e *Evaluator) buildEnv(scope Scope) map[string]any {
	env := make(map[string]any)
	for name, fn := range builtinFunctions(e.now) {
		env[name] = fn
	}
	for name, output := range scope.Siblings {
		env[name] = output
	}
	env["steps"] = scope.Steps
	env["trigger"] = scope.Trigger
	env["variables"] = scope.Variables
	return env
}

func failed(message string, fallback any) EvalResult {
	result := EvalResult{
		Valid:       false,
		Diagnostics: []Diagnostic{{Severity: "error", Message: message}},
	}
	if fallback != nil {
		result.Value = fallback
		result.Valid = true
		result.Diagnostics[0].Severity = "warning"
	}
	return result
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int64, float64, float32:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

type nodeCounter struct {
	count int
}

func (c *nodeCounter) Visit(node *ast.Node) {
	c.count++
}
