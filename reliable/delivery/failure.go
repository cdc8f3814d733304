package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxFailureMessageLength = 2000
	maxStackTraceLength     = 8000
	truncatedSuffix         = "... (truncated)"
	redactedValue           = "[REDACTED]"
)

// StackTracer is implemented by errors that carry the stack of the call
// that produced them.
type StackTracer interface {
	StackTrace() string
}

// Failure is the serialized form of LastError.
type Failure struct {
	Message    string `json:"Message"`
	StackTrace string `json:"StackTrace"`
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
}

// SerializeFailure renders err as the JSON object stored in LastError.
// Credentials embedded in connection strings or headers are redacted.
func SerializeFailure(err error) string {
	if err == nil {
		return ""
	}

	failure := Failure{
		Message:    truncate(SanitizeErrorMessage(err.Error()), maxFailureMessageLength),
		StackTrace: truncate(stackOf(err), maxStackTraceLength),
	}

	encoded, marshalErr := json.Marshal(failure)
	if marshalErr != nil {
		return failure.Message
	}

	return string(encoded)
}

// ParseFailure decodes a LastError value written by SerializeFailure.
func ParseFailure(raw string) (Failure, error) {
	var failure Failure
	if err := json.Unmarshal([]byte(raw), &failure); err != nil {
		return Failure{}, fmt.Errorf("decode failure: %w", err)
	}

	return failure, nil
}

// SanitizeErrorMessage redacts credentials from msg.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitivePatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return redacted
}

func stackOf(err error) string {
	var tracer StackTracer
	if errors.As(err, &tracer) {
		return tracer.StackTrace()
	}

	// Without a captured stack, record the wrapped chain of error types.
	var chain []string
	for current := err; current != nil; current = errors.Unwrap(current) {
		chain = append(chain, fmt.Sprintf("%T", current))
	}

	return strings.Join(chain, " <- ")
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	return string(runes[:maxRunes-len(truncatedSuffix)]) + truncatedSuffix
}
