// Package logutil keeps secrets and personal data out of log lines.
package logutil

import (
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

var sensitiveMarkers = []string{"token", "secret", "password", "apikey", "cookie", "auth", "code", "session"}

// IsSensitiveLogField reports whether a header or field name likely carries
// a credential. Matching ignores case, dashes and underscores, so
// "Set-Cookie" and "session_id" both match.
func IsSensitiveLogField(key string) bool {
	folded := strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == ' ' {
			return -1
		}
		return unicode.ToLower(r)
	}, key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(folded, marker) {
			return true
		}
	}
	return false
}

// FormatHeadersForLog renders headers as `name="v1, v2"` pairs sorted by
// name, with sensitive values replaced by [REDACTED].
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}
	var b strings.Builder
	for i, name := range slices.Sorted(maps.Keys(headers)) {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		switch values := headers[name]; {
		case len(values) == 0:
			b.WriteString("<empty>")
		case IsSensitiveLogField(name):
			b.WriteString(`"[REDACTED]"`)
		default:
			b.WriteString(strconv.Quote(strings.Join(values, ", ")))
		}
	}
	return b.String()
}

// MaskEmail keeps the first character of the local part and the domain:
// "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// TruncateForLog returns a single-line preview of at most maxChars bytes.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
