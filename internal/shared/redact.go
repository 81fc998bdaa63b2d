package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every scrubbed secret.
const Redacted = "[REDACTED]"

// A scrubRule matches a secret. When keep is set, the first capture group
// (the key or prefix) survives and only the rest is replaced.
type scrubRule struct {
	re   *regexp.Regexp
	keep bool
}

var scrubRules = []scrubRule{
	// AUTH_TOKEN=..., api_key: ..., bearer=...
	{regexp.MustCompile(`(?i)((?:api[_-]?key|secret[_-]?key|auth[_-]?token|x-auth-token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	// Links handed to phones and the viewer session cookie.
	{regexp.MustCompile(`(?i)([?&]token=)[^&\s"]+`), true},
	{regexp.MustCompile(`(mob_session=)[^;\s"]+`), true},
	// A bare access token is 24 random bytes in hex.
	{regexp.MustCompile(`\b[0-9a-f]{48}\b`), false},
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "cookie", "bearer", "api_key"}

// Redact scrubs access tokens, session cookies and bearer credentials from s.
func Redact(s string) string {
	for _, rule := range scrubRules {
		if rule.keep {
			s = rule.re.ReplaceAllString(s, "${1}"+Redacted)
		} else {
			s = rule.re.ReplaceAllLiteralString(s, Redacted)
		}
	}
	return s
}

// IsSecretKey reports whether a log attribute or env key names a secret,
// in which case its value is never written out.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
