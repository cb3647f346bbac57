package core

// format.go reads uploaded contact files into RawRecords.
//
// Supported kinds:
//   - delimited text (.csv, .tsv, .txt): separator sniffed from the first
//     non-empty line among tab, semicolon and comma
//   - spreadsheet (.xlsx, .xlsm): first sheet, first row as headers
//   - JSON document (.json): one object or an array of objects
//   - line-delimited JSON (.ndjson, .jsonl): one object per line, bad lines skipped
//
// A single malformed row never fails the read. Only structural problems
// (unreadable payload, no rows) are returned as *ParseError.

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// utf8BOM is stripped from the start of text payloads.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// zipMagic prefixes every OOXML spreadsheet.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// ReadResult is the output of a FormatReader.
type ReadResult struct {
	Kind    SourceKind
	Columns []string // Header order; for JSON sources the first-seen key order
	Records []RawRecord
	Skipped int // Malformed lines dropped (NDJSON)
}

// FormatReader turns a payload into RawRecords.
type FormatReader struct {
	logger *slog.Logger
}

// NewFormatReader creates a reader logging skipped lines to logger.
func NewFormatReader(logger *slog.Logger) *FormatReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FormatReader{logger: logger}
}

// DetectKind determines the payload kind from the extension, sniffing the
// content when the extension is missing or unknown.
func DetectKind(ext string, data []byte) SourceKind {
	ext = strings.ToLower(strings.TrimPrefix(filepath.Ext("x."+strings.TrimPrefix(ext, ".")), "."))
	switch ext {
	case "csv", "tsv", "txt", "tab":
		return KindDelimited
	case "xlsx", "xlsm", "xltx", "xltm":
		return KindSpreadsheet
	case "ndjson", "jsonl":
		return KindNDJSON
	case "json":
		return KindJSON
	}
	return sniffKind(data)
}

func sniffKind(data []byte) SourceKind {
	if bytes.HasPrefix(data, zipMagic) {
		return KindSpreadsheet
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, utf8BOM), " \t\r\n")
	if len(trimmed) == 0 {
		return KindDelimited
	}
	switch trimmed[0] {
	case '[':
		return KindJSON
	case '{':
		if json.Valid(trimmed) {
			return KindJSON
		}
		return KindNDJSON
	}
	return KindDelimited
}

// Read parses data according to ext (with or without the leading dot).
func (fr *FormatReader) Read(data []byte, ext string, opts PreviewOptions) (*ReadResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: ErrEmptyPayload}
	}

	kind := DetectKind(ext, data)
	var (
		res *ReadResult
		err error
	)
	switch kind {
	case KindDelimited:
		res, err = fr.readDelimited(data, opts.ForceTab)
	case KindSpreadsheet:
		res, err = readSpreadsheet(data)
	case KindJSON:
		res, err = fr.readJSON(data)
		if err != nil {
			// Mislabelled line-delimited export
			if nd, ndErr := fr.readNDJSON(data); ndErr == nil && len(nd.Records) > 0 {
				res, err = nd, nil
			}
		}
	case KindNDJSON:
		res, err = fr.readNDJSON(data)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, &ParseError{Kind: kind, Err: err}
	}
	if len(res.Records) == 0 {
		return nil, &ParseError{Kind: kind, Err: ErrEmptyPayload}
	}
	return res, nil
}

// decodeText strips the BOM and converts legacy Windows-1252 payloads to UTF-8.
func decodeText(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return bytes.ToValidUTF8(data, []byte("\uFFFD"))
	}
	return decoded
}

// firstLine returns the first non-empty line of text.
func firstLine(text []byte) string {
	for _, line := range bytes.Split(text, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
	}
	return ""
}

// DetectSeparator picks the most frequent of tab, semicolon and comma in
// the header line. Ties resolve in that order; no candidate means comma.
func DetectSeparator(header string) rune {
	best, bestCount := ',', 0
	for _, sep := range []rune{'\t', ';', ','} {
		if n := strings.Count(header, string(sep)); n > bestCount {
			best, bestCount = sep, n
		}
	}
	return best
}

func (fr *FormatReader) readDelimited(data []byte, forceTab bool) (*ReadResult, error) {
	text := decodeText(data)
	header := firstLine(text)
	if header == "" {
		return nil, ErrEmptyPayload
	}

	sep := '\t'
	if !forceTab {
		sep = DetectSeparator(header)
	}

	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, _ := r.FieldPos(0)
			fr.logger.Warn("skipping malformed delimited line", "line", line, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	// csv.Reader already skips blank lines, so rows[0] is the header
	if len(rows) == 0 {
		return nil, ErrEmptyPayload
	}
	columns := uniqueColumns(rows[0])
	return &ReadResult{
		Kind:    KindDelimited,
		Columns: columns,
		Records: zipRows(columns, rows[1:]),
	}, nil
}

// uniqueColumns cleans header cells and disambiguates repeated or blank names.
func uniqueColumns(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		name := CleanCell(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

// zipRows pairs each data row with the header. Missing trailing cells are
// empty; extra cells beyond the header are dropped.
func zipRows(columns []string, rows [][]string) []RawRecord {
	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		rec := make(RawRecord, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = CleanCell(row[i])
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records
}

func (fr *FormatReader) readJSON(data []byte) (*ReadResult, error) {
	dec := json.NewDecoder(bytes.NewReader(decodeText(data)))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data after document")
	}

	res := &ReadResult{Kind: KindJSON}
	cols := newColumnSet()

	switch v := doc.(type) {
	case map[string]any:
		res.Records = append(res.Records, flattenObject(v, cols))
	case []any:
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				fr.logger.Warn("skipping non-object json element", "index", i)
				res.Skipped++
				continue
			}
			res.Records = append(res.Records, flattenObject(obj, cols))
		}
	default:
		return nil, fmt.Errorf("decode json: expected object or array, got %T", doc)
	}
	res.Columns = cols.names
	return res, nil
}

func (fr *FormatReader) readNDJSON(data []byte) (*ReadResult, error) {
	text := decodeText(data)
	res := &ReadResult{Kind: KindNDJSON}
	cols := newColumnSet()

	for i, line := range bytes.Split(text, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			fr.logger.Warn("skipping malformed ndjson line", "line", i+1, "error", err)
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, flattenObject(obj, cols))
	}
	res.Columns = cols.names
	return res, nil
}

// columnSet tracks JSON keys in first-seen order.
type columnSet struct {
	seen  map[string]bool
	names []string
}

func newColumnSet() *columnSet {
	return &columnSet{seen: make(map[string]bool)}
}

func (c *columnSet) add(name string) {
	if !c.seen[name] {
		c.seen[name] = true
		c.names = append(c.names, name)
	}
}

// flattenObject stringifies the scalar values of a JSON object. Nested values
// are kept as their JSON text.
func flattenObject(obj map[string]any, cols *columnSet) RawRecord {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// encoding/json loses key order; sort for a stable column list
	sort.Strings(keys)

	rec := make(RawRecord, len(obj))
	for _, k := range keys {
		cols.add(k)
		rec[k] = scalarString(obj[k])
	}
	return rec
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
