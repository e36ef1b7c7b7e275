package store

import (
	"encoding/json"
	"time"
)

// Raw store payloads are duck-typed: fields may be missing, and numbers
// arrive as float64 after a wire or journal round trip. Engines normalize
// through these helpers at the store boundary and never trust a payload
// past it.

// Num extracts a numeric field.
func Num(fields map[string]any, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Int extracts an integral field, truncating any fractional part.
func Int(fields map[string]any, key string) (int, bool) {
	f, ok := Num(fields, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Str extracts a string field.
func Str(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool extracts a boolean field.
func Bool(fields map[string]any, key string) (bool, bool) {
	v, ok := fields[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Time extracts a unix-millisecond timestamp field. Zero timestamps are
// treated as absent.
func Time(fields map[string]any, key string) (time.Time, bool) {
	f, ok := Num(fields, key)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)), true
}

// MS converts a time to the unix-millisecond representation every record
// stores timestamps in.
func MS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
