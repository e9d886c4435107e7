// Package security validates operator input and masks credentials for
// display.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Exchange tickers, including share classes such as BRK.B
	symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}([.-][A-Z0-9]{1,3})?$`)

	// Key=value or bearer tokens in free text
	tokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer)([=:\s]+["']?)([A-Za-z0-9_\-.]{8,})`),
	}
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// NormalizeSymbol upper-cases and trims a symbol, then validates it.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", &ValidationError{Field: "symbol", Value: symbol, Message: "empty"}
	}
	if !symbolPattern.MatchString(s) {
		return "", &ValidationError{Field: "symbol", Value: symbol, Message: "not a ticker"}
	}
	return s, nil
}

// MaskSensitive masks token values that appear in free text, such as
// broker error messages forwarded to notification channels.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range tokenPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			return parts[1] + parts[2] + MaskCredential(parts[3])
		})
	}
	return result
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
