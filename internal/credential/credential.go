// Package credential decides whether a raw credential-like field (serial
// number, VPN or RDP username/password) counts as present.
package credential

import "strings"

// Sentinels are the placeholder values upstream spreadsheets and CSV exports
// use for "not applicable". They are compared after trimming and upper-casing.
var Sentinels = []string{"NA", "N/A"}

// IsValid reports whether value holds a real credential. Nil, blank and
// sentinel values are not valid.
func IsValid(value *string) bool {
	if value == nil {
		return false
	}
	return IsValidString(*value)
}

// IsValidString is IsValid for non-optional fields.
func IsValidString(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	upper := strings.ToUpper(trimmed)
	for _, sentinel := range Sentinels {
		if upper == sentinel {
			return false
		}
	}
	return true
}
