package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that may appear in logs verbatim. Everything else passed through
// MaskField is assumed to be investor PII or deal-sensitive material.
var redactionAllowlist = map[string]struct{}{
	"service":     {},
	"env":         {},
	"message":     {},
	"severity":    {},
	"timestamp":   {},
	"error":       {},
	"reason":      {},
	"component":   {},
	"escrow_id":   {},
	"sale_id":     {},
	"deal_id":     {},
	"deal_type":   {},
	"currency":    {},
	"status":      {},
	"event_type":  {},
	"tenant":      {},
	"operation":   {},
	"duration_ms": {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to
// be emitted without redaction. Tests use this to ensure investor-identifying
// keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAddress keeps enough of a bech32 account address to correlate log lines
// while hiding the full identifier: the prefix and the last four characters.
func MaskAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return trimmed
	}
	sep := strings.LastIndex(trimmed, "1")
	if sep <= 0 || len(trimmed)-sep <= 5 {
		return RedactedValue
	}
	return trimmed[:sep+1] + "…" + trimmed[len(trimmed)-4:]
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key
// is explicitly allowlisted. The original key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
