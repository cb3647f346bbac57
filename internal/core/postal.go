package core

import "strings"

// NormalizePostalCode canonicalizes a French postal code to five digits.
// Non-digits are stripped, four digits are left-padded with '0' (Excel drops
// the leading zero of "01000"); any other digit count is rejected with a
// ValidationError carrying the original value.
func NormalizePostalCode(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch len(digits) {
	case 5:
		return digits, nil
	case 4:
		return "0" + digits, nil
	default:
		return "", &ValidationError{Code: CodeInvalidPostalCode, Field: "cp", Value: raw}
	}
}
