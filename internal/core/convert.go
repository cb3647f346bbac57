package core

// convert.go provides type conversion functions for contact cells to PostgreSQL types.
//
// These functions handle the messy reality of spreadsheet exports:
//   - Day-first French dates as well as ISO and Excel serial dates
//   - Currency symbols, thousand separators and decimal commas in numbers
//   - Excel formula prefixes (="value")
//
// All ToPg* functions return pgtype values with Valid=false for empty/invalid input,
// allowing the database to handle NULLs appropriately.

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling.
// Slash and dot layouts are day-first.
var (
	twoDigitYearLayouts = []string{
		"2/1/06", "02/01/06", "2-1-06", "2.1.06", "02.01.06",
	}
	fourDigitYearLayouts = []string{
		"2/1/2006", "02/01/2006", "2-1-2006", "02-01-2006", "2.1.2006", "02.01.2006",
		"2006-01-02", "2006/01/02", "2006.01.02",
		"2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00", "02/01/2006 15:04",
		"20060102",
	}
)

// excelEpoch is day zero of spreadsheet serial dates (1900 date system).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty, whitespace or an absent marker.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if isAbsent(s) {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
// Supports multiple date formats, spreadsheet serial numbers and 2-digit years.
func ToPgDate(s string) pgtype.Date {
	return parseDate(s, time.Now().Year()+TwoDigitYearPivot)
}

// ToPgBirthDate converts a birth date. Two-digit years after the current
// year belong to the previous century, and dates after today are invalid.
func ToPgBirthDate(s string) pgtype.Date {
	return toPgBirthDate(s, time.Now())
}

func toPgBirthDate(s string, now time.Time) pgtype.Date {
	d := parseDate(s, now.Year())
	if d.Valid && d.Time.After(now) {
		return pgtype.Date{Valid: false}
	}
	return d
}

// parseDate parses s; two-digit years resolving after pivotYear move back
// one century.
func parseDate(s string, pivotYear int) pgtype.Date {
	s = strings.TrimSpace(s)
	if isAbsent(s) {
		return pgtype.Date{Valid: false}
	}

	for _, layout := range fourDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	// Spreadsheet serial date, e.g. 32874 for 1990-01-01
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		t := excelEpoch.AddDate(0, 0, int(serial))
		return pgtype.Date{Time: t, Valid: true}
	}

	return pgtype.Date{Valid: false}
}

// ToPgNumeric converts a string to pgtype.Numeric.
// Handles currency symbols, thousands separators, decimal commas and
// accounting format (parentheses for negative).
func ToPgNumeric(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if isAbsent(s) {
		return pgtype.Numeric{Valid: false}
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "\u20ac", "") // Euro
	s = strings.ReplaceAll(s, "\u00a3", "") // Pound
	s = strings.ReplaceAll(s, "\u00a0", "") // NBSP thousands separator
	s = strings.ReplaceAll(s, "\u202f", "") // Narrow NBSP
	s = strings.ReplaceAll(s, " ", "")

	// "1.234,56" and "1234,56" are decimal-comma; "1,234.56" is decimal-point
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ",") == 1:
		s = strings.ReplaceAll(s, ",", ".")
	default:
		s = strings.ReplaceAll(s, ",", "")
	}

	if isNegative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return pgtype.Numeric{Valid: false}
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{Valid: false}
	}

	return n
}

// ToPgInt8 converts an id to pgtype.Int8.
// Returns invalid if the value is zero.
func ToPgInt8(i int64) pgtype.Int8 {
	if i == 0 {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: i, Valid: true}
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}
