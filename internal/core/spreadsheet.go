package core

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Magnitudes of integers rebuilt from scientific notation in spreadsheet
// cells. Phone numbers stored as numbers are 9 to 11 digits long and Excel
// renders them as 6.12345678E+8.
const (
	minSheetIntegerDigits = 9
	maxSheetIntegerDigits = 11
)

// readSpreadsheet reads the first sheet of an OOXML workbook. The first
// non-empty row is the header.
func readSpreadsheet(data []byte) (*ReadResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	start := 0
	for start < len(rows) && isBlankRow(rows[start]) {
		start++
	}
	if start == len(rows) {
		return nil, ErrEmptyPayload
	}

	columns := uniqueColumns(rows[start])
	body := rows[start+1:]
	for _, row := range body {
		for i, cell := range row {
			row[i] = SheetCellString(cell)
		}
	}

	return &ReadResult{
		Kind:    KindSpreadsheet,
		Columns: columns,
		Records: zipRows(columns, body),
	}, nil
}

// SheetCellString coerces a raw spreadsheet cell into the string a user
// sees. Large integers written in scientific notation become plain decimal
// digit strings; other values pass through trimmed.
func SheetCellString(raw string) string {
	s := strings.TrimSpace(raw)
	if isScientific(s) {
		if expanded, ok := expandScientific(s, minSheetIntegerDigits, maxSheetIntegerDigits); ok {
			return expanded
		}
		return s
	}
	// Integral floats such as "612345678.0"
	if whole, ok := strings.CutSuffix(s, ".0"); ok && whole != "" && isAllDigits(whole) {
		return whole
	}
	return s
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
