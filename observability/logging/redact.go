package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"session":     {},
	"sessionref":  {},
	"signature":   {},
	"auth_token":  {},
	"authtoken":   {},
	"evidence":    {},
	"source_ip":   {},
	"sourceaddr":  {},
	"dsn":         {},
	"private_key": {},
}

// IsSensitive reports whether a log key must never carry its raw value.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the value when the key is
// sensitive. The key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortRef keeps the first and last four characters of an identifier, enough
// to correlate log lines without exposing wallet addresses in full.
func ShortRef(value string) string {
	v := strings.TrimSpace(value)
	if len(v) <= 12 {
		return v
	}
	return v[:6] + "…" + v[len(v)-4:]
}
