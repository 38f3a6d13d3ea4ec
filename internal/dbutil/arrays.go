// Package dbutil holds small helpers shared by every package that maps
// SQLite rows to model structs: JSON-encoded array/object columns and a
// permissive string-slice decoder for hand-edited data.
package dbutil

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts a JSON array of strings, or of mixed
// scalars coerced to strings — topics/tags/labels columns are
// sometimes hand-edited via the CLI or a stray migration.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case float64:
			out = append(out, fmt.Sprintf("%.0f", val))
		default:
			out = append(out, fmt.Sprintf("%v", val))
		}
	}
	*f = out
	return nil
}

// EncodeStrings marshals a []string column, defaulting nil to "[]" so
// NOT NULL DEFAULT '[]' columns never see a Go nil round-trip as null.
func EncodeStrings(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

// DecodeStrings reverses EncodeStrings permissively via FlexibleStringSlice.
func DecodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil
	}
	return []string(f)
}

// EncodeJSON marshals an arbitrary value to its JSON column text,
// defaulting to "{}" for a nil map so NOT NULL DEFAULT '{}' columns
// stay valid JSON.
func EncodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeJSON unmarshals raw into dst, a no-op on empty input.
func DecodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// NullString converts an empty string to a nil pointer and back,
// used for optional TEXT columns (parent_id, supervisor_id, ...).
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func StringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
