package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Matches password=xxx, pwd=xxx, pass=xxx in key/value connection
	// strings, until the next delimiter.
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches user:pass@host credentials in URL-form connection strings.
	connStringPattern = regexp.MustCompile(`://[^:/]+:[^@]+@[^/\s]+`)
)

// SanitizeConnectionString removes credentials from a connection string.
// Use this before logging any connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError sanitizes an error message that might echo connection
// details. Use this before logging any error from database operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}
