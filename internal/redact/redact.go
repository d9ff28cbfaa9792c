// Package redact scrubs secrets and personal data from strings before they
// reach the logs: database URL credentials, provider API keys, and email
// addresses found in queue payloads and delivery errors.
package redact

import (
	"regexp"
	"strings"
)

// Placeholders substituted for redacted values.
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
)

var (
	// userinfo of postgres:// and sqlite:// style URLs
	dbConnRegex = regexp.MustCompile(`(?i)\b(postgres(?:ql)?|sqlite)://[^@/\s]+@`)

	// key=value / "key": "value" pairs naming a secret
	apiKeyRegex = regexp.MustCompile(
		`(?i)\b(api[_-]?key|token|secret|password|authorization)(['"]?\s*[:=]\s*['"]?)(?:bearer\s+)?[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Resend keys and Google API keys appear bare in provider errors.
	resendKeyRegex = regexp.MustCompile(`\bre_[A-Za-z0-9_]{8,}`)
	googleKeyRegex = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{20,}`)

	emailRegex = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
)

// String redacts credentials, keys and email addresses in s.
func String(s string) string {
	if s == "" {
		return s
	}
	s = dbConnRegex.ReplaceAllString(s, "$1://"+RedactedCredentialPlaceholder+"@")
	s = apiKeyRegex.ReplaceAllString(s, "$1$2"+RedactedKeyPlaceholder)
	s = resendKeyRegex.ReplaceAllString(s, RedactedKeyPlaceholder)
	s = googleKeyRegex.ReplaceAllString(s, RedactedKeyPlaceholder)
	return emailRegex.ReplaceAllString(s, RedactedEmailPlaceholder)
}

// Error redacts err's message. A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Email masks the local part of an address, keeping its first character and
// the domain: "reader@example.com" becomes "r***@example.com". Values that
// are not addresses are fully redacted.
func Email(addr string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(addr), "@")
	if !ok || local == "" || domain == "" {
		if addr == "" {
			return ""
		}
		return RedactedEmailPlaceholder
	}
	return local[:1] + "***@" + domain
}

// URL hides the userinfo of a database URL. File paths pass through.
func URL(u string) string {
	return dbConnRegex.ReplaceAllString(u, "$1://"+RedactedCredentialPlaceholder+"@")
}
