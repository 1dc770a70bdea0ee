package util

import "strings"

// SanitizePostgresText strips NUL bytes and invalid UTF-8, both of which
// Postgres rejects in text and jsonb columns.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// SanitizePostgresValue applies SanitizePostgresText to every string inside a
// decoded JSON value, including map keys.
func SanitizePostgresValue(value any) any {
	switch v := value.(type) {
	case string:
		return SanitizePostgresText(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[SanitizePostgresText(k)] = SanitizePostgresValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = SanitizePostgresValue(item)
		}
		return out
	default:
		return value
	}
}
