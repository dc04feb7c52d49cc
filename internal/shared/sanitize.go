package shared

import (
	"regexp"
	"strings"
)

// MaxErrorCodeLength caps persisted error text.
const MaxErrorCodeLength = 200

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|basic)\s+[A-Za-z0-9\-._~+/=]+`),
	regexp.MustCompile(`(?i)((?:access|refresh)_token|client_secret|authorization|code)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`),
}

// SanitizeError renders err as a short string that is safe to persist.
//
// Credentials echoed by upstream error bodies or request dumps are replaced with [REDACTED] and the result is
// truncated to [MaxErrorCodeLength] bytes.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Sanitize redacts and truncates free-form error text.
func Sanitize(s string) string {
	s = secretPatterns[0].ReplaceAllString(s, "$1 [REDACTED]")
	s = secretPatterns[1].ReplaceAllString(s, "$1$2[REDACTED]")
	s = strings.Join(strings.Fields(s), " ")

	if len(s) > MaxErrorCodeLength {
		s = strings.ToValidUTF8(s[:MaxErrorCodeLength], "")
	}
	return s
}
