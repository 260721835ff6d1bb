package config

// deepMerge returns base with override applied. Nested maps merge, every other
// value in override replaces the base value. Neither input is modified.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for key, value := range base {
		out[key] = deepCopy(value)
	}
	for key, value := range override {
		baseMap, baseIsMap := out[key].(map[string]any)
		overrideMap, overrideIsMap := value.(map[string]any)
		if baseIsMap && overrideIsMap {
			out[key] = deepMerge(baseMap, overrideMap)
			continue
		}
		out[key] = deepCopy(value)
	}
	return out
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[key] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = deepCopy(typed[i])
		}
		return out
	default:
		return value
	}
}
