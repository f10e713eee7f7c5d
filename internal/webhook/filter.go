package webhook

import (
	"fmt"
	"strings"
)

// EvaluateFilters applies the trigger's metadata filters against a decoded
// payload. A filter is a dot-path mapped either to an expected value
// (equality) or to {"contains": substring}. All filters must pass.
// Returns ok and, when rejected, the failing path.
func EvaluateFilters(filters map[string]any, payload map[string]any) (bool, string) {
	for path, expectation := range filters {
		actual, found := lookupDotPath(payload, path)
		if !found {
			return false, path
		}
		if !matchExpectation(actual, expectation) {
			return false, path
		}
	}
	return true, ""
}

func matchExpectation(actual, expectation any) bool {
	if clause, ok := expectation.(map[string]any); ok {
		if substr, ok := clause["contains"].(string); ok {
			return strings.Contains(fmt.Sprintf("%v", actual), substr)
		}
		return false
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expectation)
}

func lookupDotPath(payload map[string]any, path string) (any, bool) {
	current := any(payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
