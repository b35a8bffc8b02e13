package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// secretKeys name configuration fields whose values never reach the logs.
var secretKeys = map[string]struct{}{
	"jwt_secret":     {},
	"hmac_secret":    {},
	"webhook_secret": {},
	"passphrase":     {},
	"private_key":    {},
	"password":       {},
}

// IsSecret reports whether key names a sensitive field.
func IsSecret(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := secretKeys[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, "_secret") || strings.HasSuffix(normalized, "_token")
}

// SecretKeys returns the sorted list of explicitly masked keys.
func SecretKeys() []string {
	keys := make([]string, 0, len(secretKeys))
	for key := range secretKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that hides value when key is sensitive. Empty
// values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecret(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// RedactURL drops the password and query string from connection URLs such as
// postgres DSNs and webhook endpoints. Values that do not parse as URLs with a
// scheme, like sqlite file paths, are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.RawQuery = ""
	return u.Redacted()
}

// URLField is MaskField for connection strings.
func URLField(key, raw string) slog.Attr {
	return slog.String(key, RedactURL(raw))
}
