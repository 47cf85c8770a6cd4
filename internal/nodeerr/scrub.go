package nodeerr

import "regexp"

// Credential patterns redacted from anything shown to a user or written to logs.
var credentialPatterns = []*regexp.Regexp{
	// key=value / key: value pairs
	regexp.MustCompile(`(?i)(client[_-]?secret|session[_-]?id|secret|password|signature|fingerprint|token)\s*[:=]\s*["']?[^\s"',}]{6,}["']?`),
	// JSON fields
	regexp.MustCompile(`(?i)"(clientSecret|sessionId|tlsFingerprint|torClientAuthSecret|signature)"\s*:\s*"[^"]*"`),
	// auth headers
	regexp.MustCompile(`(?i)(Session-Id|Auth-Signature)\s*:\s*\S+`),
}

const redactedPlaceholder = "[REDACTED]"

// Scrub replaces known credential patterns in text with [REDACTED].
func Scrub(text string) string {
	for _, pat := range credentialPatterns {
		text = pat.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Mask keeps the first and last four characters of long values.
func Mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 12:
		return s[:4] + "****" + s[len(s)-4:]
	default:
		return "****"
	}
}
