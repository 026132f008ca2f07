package bolt

import (
	"fmt"
	"time"
)

// Patch values arrive as any: typed from Go callers, or as JSON-decoded
// strings, float64s and []any from the CLI and import paths. These helpers
// coerce both shapes.

func stringValue(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", raw)
	}
	return s, nil
}

func intValue(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func stringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", raw)
}

// timeValue accepts nil (clear), time.Time, *time.Time or an RFC3339 string.
func timeValue(raw any) (*time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case *time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %v", v, err)
		}
		return &ts, nil
	}
	return nil, fmt.Errorf("expected timestamp, got %T", raw)
}
