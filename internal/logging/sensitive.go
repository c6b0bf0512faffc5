// Package logging builds the process logger and keeps credentials captured
// by the decoys, plus operator secrets, out of log output.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// SensitiveFields contains attribute names whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":          true,
	"passwd":            true,
	"pass":              true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"admin_key":         true,
	"x-admin-key":       true,
	"authorization":     true,
	"secret_access_key": true,
	"credentials":       true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether an attribute name is sensitive, either
// exactly or by containing a sensitive keyword.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value if fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskKey shows only the first and last four characters of a key.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

type maskRule struct {
	pattern *regexp.Regexp
	repl    string
}

// sensitivePatterns match credentials embedded in raw text such as a Cowrie
// JSON line or an FTP PASS command. The capture group keeps the key.
var sensitivePatterns = []maskRule{
	{regexp.MustCompile(`(?i)("(?:password|passwd|secret|token)"\s*:\s*)"(?:[^"\\]|\\.)*"`), `${1}"` + MaskedValue + `"`},
	{regexp.MustCompile(`(?i)(\bPASS\s+)\S.*$`), "${1}" + MaskedValue},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|admin[_-]?key|password|secret)\s*=\s*)\S+`), "${1}" + MaskedValue},
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-\.]+`), "${1}" + MaskedValue},
}

// MaskSensitiveString masks credential patterns in a raw string.
func MaskSensitiveString(s string) string {
	for _, r := range sensitivePatterns {
		s = r.pattern.ReplaceAllString(s, r.repl)
	}
	return s
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr that masks sensitive
// attributes, including those nested in groups.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if !IsSensitiveField(a.Key) {
		return a
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		return a
	case slog.KindString:
		if a.Value.String() == "" {
			return a
		}
	}
	return slog.String(a.Key, MaskedValue)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing JSON or text records to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: ReplaceAttr,
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
