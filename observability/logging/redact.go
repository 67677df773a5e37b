package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys containing any of these fragments are redacted by every logger that
// install builds, whatever the caller passes.
var sensitiveFragments = []string{"secret", "password", "token", "authorization", "api_key", "apikey"}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// redactAttr is applied by the JSON handler to every attribute.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !sensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// MaskDSN keeps the scheme, host and database of a URL style DSN and drops
// the credentials and query. Key/value DSNs mentioning a password are masked
// entirely.
func MaskDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		if strings.Contains(strings.ToLower(trimmed), "password") {
			return RedactedValue
		}
		return trimmed
	}
	if parsed.User != nil {
		parsed.User = url.User(RedactedValue)
	}
	parsed.RawQuery = ""
	return parsed.String()
}
