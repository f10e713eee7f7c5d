package params

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// builtinFunctions is the whitelisted function library available to
// expressions under the $name(...) namespace.
func builtinFunctions(now func() time.Time) map[string]any {
	return map[string]any{
		fnName("uppercase"): func(v any) string { return strings.ToUpper(toString(v)) },
		fnName("lower"):     func(v any) string { return strings.ToLower(toString(v)) },
		fnName("now"):       func() string { return now().UTC().Format(time.RFC3339) },
		fnName("date"): func(layout string) string {
			return now().UTC().Format(convertLayout(layout))
		},
		fnName("json"): func(v any) (string, error) {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("cannot serialize value: %w", err)
			}
			return string(raw), nil
		},
		fnName("int"): func(v any) (int64, error) {
			switch t := v.(type) {
			case float64:
				return int64(t), nil
			case int:
				return int64(t), nil
			case int64:
				return t, nil
			case bool:
				if t {
					return 1, nil
				}
				return 0, nil
			case string:
				parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
				if err != nil {
					return 0, fmt.Errorf("cannot convert %q to int", t)
				}
				return int64(parsed), nil
			default:
				return 0, fmt.Errorf("cannot convert %T to int", v)
			}
		},
		fnName("float"): func(v any) (float64, error) {
			switch t := v.(type) {
			case float64:
				return t, nil
			case int:
				return float64(t), nil
			case int64:
				return float64(t), nil
			case string:
				parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
				if err != nil {
					return 0, fmt.Errorf("cannot convert %q to float", t)
				}
				return parsed, nil
			default:
				return 0, fmt.Errorf("cannot convert %T to float", v)
			}
		},
		fnName("len"): func(v any) (int, error) {
			switch t := v.(type) {
			case string:
				return len(t), nil
			case []any:
				return len(t), nil
			case map[string]any:
				return len(t), nil
			case nil:
				return 0, nil
			default:
				return 0, fmt.Errorf("cannot take length of %T", v)
			}
		},
		fnName("concat"): func(args ...any) string {
			var builder strings.Builder
			for _, arg := range args {
				builder.WriteString(toString(arg))
			}
			return builder.String()
		},
	}
}

// fnName maps a $-namespaced builtin onto its compiled identifier.
func fnName(name string) string {
	return "__fn_" + name
}

// convertLayout maps common date tokens onto Go reference-time layout.
func convertLayout(layout string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006",
		"MM", "01",
		"DD", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	return replacer.Replace(layout)
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		// Render integral floats without the trailing .0 JSON decoding introduces.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
