package observability

import "strings"

// RedactedValue replaces secret values at logging and audit boundaries.
const RedactedValue = "[REDACTED]"

// secretKeyFragments flags map keys whose values must never be persisted
// or emitted. Matching is case-insensitive substring.
var secretKeyFragments = []string{
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
	"authorization",
	"credential",
}

// IsSecretKey reports whether a metadata or audit key looks secret-bearing.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with secret-bearing values replaced.
// Nested maps are redacted recursively. The input is never mutated.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = RedactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// RedactStringMap is RedactMap for flat string maps.
func RedactStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = v
	}
	return out
}
