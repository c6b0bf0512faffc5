// Package errors keeps internal detail out of errors returned to API
// clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"ghostwall/internal/logging"
)

var (
	// Absolute file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// host:port and ip:port endpoints of internal stores and brokers
	endpointPattern = regexp.MustCompile(`\b(?:(?:\d{1,3}\.){3}\d{1,3}|\[[0-9a-fA-F:]+\]|[a-zA-Z][a-zA-Z0-9\-.]*):\d{2,5}\b`)

	// Driver and broker error prefixes
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|sqlite3?:|clickhouse|redis:|nats:|kafka:|database:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// SanitizeString removes file paths, store endpoints and driver detail
// from s.
func SanitizeString(s string) string {
	s = logging.MaskSensitiveString(s)

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})
	s = endpointPattern.ReplaceAllString(s, "[internal]")

	if internalErrorPattern.MatchString(s) {
		return "storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error - operation failed"
	}
	return s
}

// SanitizeError returns err with a sanitized message.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(SanitizeString(err.Error()))
}

// WrapSanitized wraps an error with additional context and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// userFacing lists messages that are safe to return verbatim.
var userFacing = []string{
	"invalid address",
	"invalid query",
	"invalid request",
	"unauthorized",
	"forbidden",
	"not found",
	"not blocked",
	"rate limit exceeded",
}

// SafeErrorMessage returns a user-safe error message. Known request errors
// pass through; everything else is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.HasPrefix(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
