package core

import (
	"encoding/json"
	"fmt"
)

// DataAs converts a task or result payload into T. Values already of type T
// are returned as-is; anything else (typically map[string]any decoded from a
// store or config file) is round-tripped through JSON.
func DataAs[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, fmt.Errorf("payload is nil")
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	if p, ok := v.(*T); ok && p != nil {
		return *p, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode payload: %w", err)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode payload into %T: %w", zero, err)
	}

	return out, nil
}
