package usecase

import "math"

// jsonSafe copies attrs, replacing NaN and infinite numbers (common in
// _FillValue) with nil so the map encodes as JSON.
func jsonSafe(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = jsonSafeValue(v)
	}
	return out
}

func jsonSafeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		return jsonSafeValue(float64(x))
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = jsonSafeValue(f)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonSafeValue(e)
		}
		return out
	case []byte:
		return string(x)
	case map[string]any:
		return jsonSafe(x)
	default:
		return v
	}
}
