package normalize

import (
	"strings"
	"unicode"
)

// NaNPatterns are the placeholder values the open-data exports use for a missing field
var NaNPatterns = []string{
	"N/A", "NaN", "nan", "unknown", "UNKNOWN", "Unknown", "INVALID!", "NODATA!", "NO DATA!",
}

var nanValues = func() map[string]struct{} {
	m := make(map[string]struct{}, len(NaNPatterns))
	for _, p := range NaNPatterns {
		m[p] = struct{}{}
	}
	return m
}()

// CleanField trims a raw value and maps missing-value placeholders to the empty string
func CleanField(s string) string {
	s = strings.TrimSpace(s)
	if _, ok := nanValues[s]; ok {
		return ""
	}
	return s
}

// AddressField prepares an address line or postcode: cleaned and upper-cased
func AddressField(s string) string {
	return strings.ToUpper(CleanField(s))
}

// HasAlphanumeric reports whether s contains at least one letter or digit.
// Values without one never identify a property and are kept out of joins.
func HasAlphanumeric(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// JoinKey qualifies a variant value with the record's postcode
func JoinKey(postcode, value string) string {
	return postcode + "," + value
}
