package runtime

// Preview truncation limits: arrays keep 5 elements, objects keep 10 keys.
const (
	previewMaxArray  = 5
	previewMaxKeys   = 10
	truncationMarker = "…truncated"
)

// buildPreview produces a truncated copy of a node output for UI display.
// Arrays are cut to 5 elements, objects to 10 keys (lexicographically
// smallest first for determinism), each with a truncation marker.
func buildPreview(value any) any {
	switch v := value.(type) {
	case []any:
		if len(v) <= previewMaxArray {
			out := make([]any, len(v))
			for i, item := range v {
				out[i] = buildPreview(item)
			}
			return out
		}
		out := make([]any, 0, previewMaxArray+1)
		for _, item := range v[:previewMaxArray] {
			out = append(out, buildPreview(item))
		}
		return append(out, truncationMarker)
	case map[string]any:
		if len(v) <= previewMaxKeys {
			out := make(map[string]any, len(v))
			for key, item := range v {
				out[key] = buildPreview(item)
			}
			return out
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sortStrings(keys)
		out := make(map[string]any, previewMaxKeys+1)
		for _, key := range keys[:previewMaxKeys] {
			out[key] = buildPreview(v[key])
		}
		out["__truncated"] = true
		return out
	default:
		return v
	}
}

func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
