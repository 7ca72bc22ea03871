// Package phone normalizes phone-number identifiers to a canonical
// international form ("+" followed by digits).
package phone

import (
	"errors"
	"strings"
)

// ErrInvalidNumber indicates the input carries no usable digits.
var ErrInvalidNumber = errors.New("invalid phone number")

// MaxDigits is the E.164 upper bound on the number of digits.
const MaxDigits = 15

// Rules describes the national format that gets a default country code.
type Rules struct {
	// CountryCode is prepended to national numbers, e.g. "7".
	CountryCode string
	// TrunkPrefix is the domestic dialing prefix replaced by CountryCode, e.g. "8".
	TrunkPrefix string
	// NationalLength is the length of a national number without prefix, e.g. 10.
	NationalLength int
	// MobilePrefix marks a bare national number, e.g. "9".
	MobilePrefix string
}

// DefaultRules is the Russian numbering plan the checker was built for.
var DefaultRules = Rules{
	CountryCode:    "7",
	TrunkPrefix:    "8",
	NationalLength: 10,
	MobilePrefix:   "9",
}

// Normalize applies DefaultRules.
func Normalize(raw string) (string, error) {
	return DefaultRules.Normalize(raw)
}

// Normalize strips everything but digits and applies the country-code rule:
//
//	"8 (999) 123-45-67" -> "+79991234567"
//	"9991234567"        -> "+79991234567"
//	"+1 234 567 890"    -> "+1234567890"
//
// The output is a fixed point: normalizing it again returns it unchanged.
func (r Rules) Normalize(raw string) (string, error) {
	digits := Digits(raw)
	if digits == "" || len(digits) > MaxDigits {
		return "", ErrInvalidNumber
	}

	switch {
	case r.TrunkPrefix != "" && len(digits) == r.NationalLength+len(r.TrunkPrefix) &&
		strings.HasPrefix(digits, r.TrunkPrefix):
		digits = r.CountryCode + digits[len(r.TrunkPrefix):]
	case r.MobilePrefix != "" && len(digits) == r.NationalLength &&
		strings.HasPrefix(digits, r.MobilePrefix):
		digits = r.CountryCode + digits
	}

	return "+" + digits, nil
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// HasDigits reports whether s contains at least one ASCII digit.
func HasDigits(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}
