package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in audit details,
// request payloads, and error strings before they reach persistent storage.
var secretPatterns = []*regexp.Regexp{
	// Key/value style secrets: api_key=..., secret_key: "...", and the
	// JSON form "api_key":"..." (the key's closing quote sits between the
	// name and the separator).
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)"?\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// AWS access key IDs.
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// UUID-shaped tokens after auth-related prefixes.
	regexp.MustCompile(`(?i)((?:token|secret)"?\s*[:=]\s*"?)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Audit entries are append-only, so redaction has to happen before the write.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns a redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
