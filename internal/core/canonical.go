package core

// canonical.go filters RawRecords into the canonical stream and persists it
// between the preview and process phases.
//
// The canonical stream is line-delimited JSON, one CanonicalRecord per line,
// stored under a random UUID handle. A handle is consumed (deleted) by the
// process phase, by Abandon, or by the sweeper once it outlives its TTL.

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header-row heuristic thresholds. JSON sources have no header line and are
// never filtered this way.
const (
	headerRowMinColumns = 3
	headerRowMatchRatio = 0.9
)

// Canonicalize drops empty rows and, for delimited and spreadsheet sources,
// rows that repeat the header. Line numbers are 1-indexed positions in the
// source with the header excluded.
func Canonicalize(kind SourceKind, columns []string, records []RawRecord) (out []CanonicalRecord, skipped int) {
	var normalizedCols []string
	if kind.HasHeaderRow() && len(columns) >= headerRowMinColumns {
		normalizedCols = make([]string, len(columns))
		for i, c := range columns {
			normalizedCols[i] = NormalizeKey(c)
		}
	}

	out = make([]CanonicalRecord, 0, len(records))
	for i, rec := range records {
		if IsEmptyRecord(rec) {
			skipped++
			continue
		}
		if normalizedCols != nil && isLikelyHeaderRow(rec, columns, normalizedCols) {
			skipped++
			continue
		}
		out = append(out, CanonicalRecord{Line: i + 1, Values: rec})
	}
	return out, skipped
}

// IsEmptyRecord reports whether every value of rec is absent.
func IsEmptyRecord(rec RawRecord) bool {
	for _, v := range rec {
		if !isAbsent(CleanCell(v)) {
			return false
		}
	}
	return true
}

// IsLikelyHeaderRow reports whether rec repeats the column names, which
// happens when exports are concatenated.
func IsLikelyHeaderRow(rec RawRecord, columns []string) bool {
	if len(columns) < headerRowMinColumns {
		return false
	}
	normalized := make([]string, len(columns))
	for i, c := range columns {
		normalized[i] = NormalizeKey(c)
	}
	return isLikelyHeaderRow(rec, columns, normalized)
}

func isLikelyHeaderRow(rec RawRecord, columns, normalized []string) bool {
	matches := 0
	for i, col := range columns {
		if NormalizeKey(rec[col]) == normalized[i] && normalized[i] != "" {
			matches++
		}
	}
	return float64(matches) >= headerRowMatchRatio*float64(len(columns))
}

// CanonicalStore persists canonical streams between preview and process.
type CanonicalStore interface {
	Save(records []CanonicalRecord) (handle string, err error)
	Load(handle string) ([]CanonicalRecord, error)
	Delete(handle string) error
}

// fileDir keeps UUID-named files in one directory.
type fileDir struct {
	dir string
	ext string
}

func newFileDir(dir, ext string) (fileDir, error) {
	if dir == "" {
		return fileDir{}, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fileDir{}, fmt.Errorf("create %s: %w", dir, err)
	}
	return fileDir{dir: dir, ext: ext}, nil
}

// path maps a handle to its file. Anything that is not a UUID is rejected so
// handles from clients can never escape the directory.
func (d fileDir) path(handle string) (string, bool) {
	id, err := uuid.Parse(handle)
	if err != nil {
		return "", false
	}
	return filepath.Join(d.dir, id.String()+d.ext), true
}

func (d fileDir) write(data []byte) (string, error) {
	handle := uuid.NewString()
	p, _ := d.path(handle)

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", handle, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit %s: %w", handle, err)
	}
	return handle, nil
}

func (d fileDir) read(handle string, notFound error) ([]byte, error) {
	p, ok := d.path(handle)
	if !ok {
		return nil, notFound
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", handle, err)
	}
	return data, nil
}

func (d fileDir) remove(handle string, notFound error) error {
	p, ok := d.path(handle)
	if !ok {
		return notFound
	}
	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound
	}
	return err
}

// sweep removes files last modified before now-maxAge.
func (d fileDir) sweep(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", d.dir, err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), d.ext) || strings.HasSuffix(e.Name(), ".tmp")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// FileCanonicalStore keeps canonical streams as .ndjson files.
type FileCanonicalStore struct {
	files fileDir
}

// NewFileCanonicalStore creates dir if needed.
func NewFileCanonicalStore(dir string) (*FileCanonicalStore, error) {
	files, err := newFileDir(dir, ".ndjson")
	if err != nil {
		return nil, err
	}
	return &FileCanonicalStore{files: files}, nil
}

// Save writes records and returns their handle.
func (s *FileCanonicalStore) Save(records []CanonicalRecord) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode line %d: %w", rec.Line, err)
		}
	}
	return s.files.write(buf.Bytes())
}

// Load reads the records of handle. Unknown handles return ErrHandleNotFound.
func (s *FileCanonicalStore) Load(handle string) ([]CanonicalRecord, error) {
	data, err := s.files.read(handle, ErrHandleNotFound)
	if err != nil {
		return nil, err
	}

	var records []CanonicalRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec CanonicalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode canonical stream %s: %w", handle, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan canonical stream %s: %w", handle, err)
	}
	return records, nil
}

// Delete removes handle.
func (s *FileCanonicalStore) Delete(handle string) error {
	return s.files.remove(handle, ErrHandleNotFound)
}

// Sweep removes streams older than maxAge.
func (s *FileCanonicalStore) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	return s.files.sweep(now, maxAge)
}

// ReportStore persists rendered reject reports.
type ReportStore interface {
	SaveReport(data []byte) (id string, err error)
	OpenReport(id string) ([]byte, error)
}

// FileReportStore keeps reject reports as .csv files.
type FileReportStore struct {
	files fileDir
}

// NewFileReportStore creates dir if needed.
func NewFileReportStore(dir string) (*FileReportStore, error) {
	files, err := newFileDir(dir, ".csv")
	if err != nil {
		return nil, err
	}
	return &FileReportStore{files: files}, nil
}

// SaveReport stores data and returns its id.
func (s *FileReportStore) SaveReport(data []byte) (string, error) {
	return s.files.write(data)
}

// OpenReport returns the report bytes. Unknown ids return ErrReportNotFound.
func (s *FileReportStore) OpenReport(id string) ([]byte, error) {
	return s.files.read(id, ErrReportNotFound)
}

// Sweep removes reports older than maxAge.
func (s *FileReportStore) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	return s.files.sweep(now, maxAge)
}
