package core

import (
	"strconv"
	"strings"
)

// MinPhoneDigits is the shortest digit count accepted as a phone number.
const MinPhoneDigits = 8

// Magnitudes accepted when reconstructing a phone number written in
// scientific notation. 9 digits covers French numbers stored without their
// trunk zero, 11-12 covers country-code prefixed numbers.
const (
	minScientificDigits = 8
	maxScientificDigits = 12
)

// isAbsent reports whether a raw cell value means "no value".
func isAbsent(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "undefined", "n/a", "nan", "none":
		return true
	}
	return false
}

// NormalizePhone canonicalizes a raw phone value into a PhoneKey.
//
// It keeps digits and one optional leading '+', left-pads 9-digit values with
// a '0' and returns "" for anything shorter than MinPhoneDigits digits.
// NormalizePhone(NormalizePhone(x)) == NormalizePhone(x).
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	if isAbsent(s) {
		return ""
	}

	if isScientific(s) {
		expanded, ok := expandScientific(s, minScientificDigits, maxScientificDigits)
		if !ok {
			return ""
		}
		s = expanded
	} else if whole, ok := cutIntegralFraction(s); ok {
		s = whole
	}

	var b strings.Builder
	b.Grow(len(s))
	plus := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0 && !plus && strings.TrimSpace(s[:i]) == "":
			plus = true
		}
	}
	digits := b.String()

	if len(digits) < MinPhoneDigits {
		return ""
	}
	if plus {
		return "+" + digits
	}
	if len(digits) == 9 {
		return "0" + digits
	}
	return digits
}

// PhoneDigits counts the digits of a raw value, used to rank candidate columns.
func PhoneDigits(raw string) int {
	s := strings.TrimSpace(raw)
	if isScientific(s) {
		if expanded, ok := expandScientific(s, minScientificDigits, maxScientificDigits); ok {
			s = expanded
		}
	} else if whole, ok := cutIntegralFraction(s); ok {
		s = whole
	}
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// cutIntegralFraction strips a zero fraction from a number exported as a
// float, "612345678.0" or "612345678,00". Dotted phones such as
// "06.12.34.56.78" are left alone.
func cutIntegralFraction(s string) (string, bool) {
	i := strings.IndexAny(s, ".,")
	if i <= 0 || i == len(s)-1 {
		return "", false
	}
	whole, frac := s[:i], s[i+1:]
	if strings.Trim(frac, "0") != "" || !isAllDigits(strings.TrimPrefix(whole, "+")) {
		return "", false
	}
	return whole, true
}

// isScientific reports whether s looks like "6.12345678E+8" or "6,1E+08".
func isScientific(s string) bool {
	i := strings.IndexAny(s, "eE")
	if i <= 0 || i == len(s)-1 {
		return false
	}
	mantissa, exp := s[:i], s[i+1:]
	if exp[0] == '+' || exp[0] == '-' {
		exp = exp[1:]
	}
	if exp == "" {
		return false
	}
	for _, r := range exp {
		if r < '0' || r > '9' {
			return false
		}
	}
	seenDigit := false
	for _, r := range mantissa {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
		case r == '.' || r == ',' || r == '+' || r == '-':
		default:
			return false
		}
	}
	return seenDigit
}

// expandScientific reconstructs the integer written in scientific notation.
// It fails when the integer part has fewer than minDigits or more than
// maxDigits digits.
func expandScientific(s string, minDigits, maxDigits int) (string, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || f < 0 {
		return "", false
	}
	out := strconv.FormatFloat(f, 'f', 0, 64)
	if len(out) < minDigits || len(out) > maxDigits {
		return "", false
	}
	return out, true
}
