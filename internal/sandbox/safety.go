package sandbox

import (
	"errors"
	"regexp"
	"strings"
)

// Pattern definitions for executable safety validation.
var (
	// shellMetachars matches shell metacharacters that could enable command injection.
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)

	// controlChars matches control characters like newlines and carriage returns.
	controlChars = regexp.MustCompile(`[\r\n]`)

	// quoteChars matches quote characters that could enable argument injection.
	quoteChars = regexp.MustCompile(`["']`)

	// bareNamePattern matches safe bare executable names without paths.
	bareNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// Validation errors for unsafe executable values.
var (
	ErrEmptyValue      = errors.New("executable value is empty")
	ErrNullByte        = errors.New("executable value contains null byte")
	ErrControlChar     = errors.New("executable value contains control characters")
	ErrShellMetachar   = errors.New("executable value contains shell metacharacters")
	ErrQuoteChar       = errors.New("executable value contains quote characters")
	ErrOptionInjection = errors.New("executable value starts with dash (option injection)")
	ErrInvalidBareName = errors.New("executable value contains invalid characters for bare name")
)

// isLikelyPath checks if the value appears to be a file path rather than a bare name.
func isLikelyPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	return strings.Contains(value, "/") || strings.Contains(value, "\\")
}

// SanitizeExecutable validates an executable name or path and returns it
// trimmed. Paths are allowed; bare names must match [A-Za-z0-9._+-]+ and may
// not start with a dash.
func SanitizeExecutable(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyValue
	}
	if strings.Contains(trimmed, "\x00") {
		return "", ErrNullByte
	}
	if controlChars.MatchString(trimmed) {
		return "", ErrControlChar
	}
	if shellMetachars.MatchString(trimmed) {
		return "", ErrShellMetachar
	}
	if quoteChars.MatchString(trimmed) {
		return "", ErrQuoteChar
	}
	if isLikelyPath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionInjection
	}
	if !bareNamePattern.MatchString(trimmed) {
		return "", ErrInvalidBareName
	}
	return trimmed, nil
}
