package state

import (
	"encoding/json"
	"fmt"
)

// Arrays and documents are stored as JSON text so one schema serves every
// dialect.

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(data), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

// jsonColumns encodes several values, stopping at the first error.
func jsonColumns(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		s, err := encodeJSON(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// nonNil replaces a nil slice so it encodes as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
