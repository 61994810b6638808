package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Attribute keys whose values never reach the log sink. Matching ignores case
// and applies to keys that end with one of the entries, so "custodyToken" and
// "webhook_secret" are masked too.
var sensitiveSuffixes = []string{
	"token",
	"secret",
	"signature",
	"authorization",
	"password",
	"dsn",
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskValue returns the placeholder for non-empty values. Empty values are
// returned unchanged so missing configuration stays visible.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// redact masks string attributes under sensitive keys. Groups are walked so
// nested attributes are covered.
func redact(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindGroup:
		members := attr.Value.Group()
		masked := make([]any, 0, len(members))
		for _, member := range members {
			masked = append(masked, redact(member))
		}
		return slog.Group(attr.Key, masked...)
	case slog.KindString:
		if IsSensitive(attr.Key) {
			return slog.String(attr.Key, MaskValue(attr.Value.String()))
		}
	default:
		if IsSensitive(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
	}
	return attr
}
