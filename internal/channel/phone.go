// internal/channel/phone.go
package channel

import "strings"

// DefaultCountryCode is used when a tenant has none configured.
const DefaultCountryCode = "55"

// NormalizeNumber reduces a phone number to digits in international form.
// Local numbers of 10 or 11 digits get countryCode prepended.
func NormalizeNumber(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")

	if n := len(digits); n == 10 || n == 11 {
		return countryCode + digits
	}
	return digits
}
