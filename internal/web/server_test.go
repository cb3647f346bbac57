package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ficheimport/internal/config"
	"github.com/JonMunkholm/ficheimport/internal/core"
)

const testSecret = "test-reference-secret"

// memoryStore is an in-memory core.RecordStore.
type memoryStore struct {
	mu       sync.Mutex
	existing []core.ExistingContact
	inserted []map[string]any
	refs     map[int64]string
	nextID   int64
}

func newMemoryStore(existing ...core.ExistingContact) *memoryStore {
	return &memoryStore{existing: existing, refs: make(map[int64]string), nextID: 1000}
}

func (m *memoryStore) ReadExistingContacts(ctx context.Context) ([]core.ExistingContact, error) {
	return m.existing, nil
}

func (m *memoryStore) InsertContact(ctx context.Context, fields map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.inserted = append(m.inserted, fields)
	return m.nextID, nil
}

func (m *memoryStore) RecordObfuscatedReference(ctx context.Context, id int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[id] = reference
	return nil
}

func (m *memoryStore) LookupEnumeration(ctx context.Context, kind string) ([]core.EnumerationRow, error) {
	return []core.EnumerationRow{{ID: 1, Label: "Nouveau"}}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Import: config.ImportConfig{MaxFileSize: 1 << 20},
		Rate:   config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(t *testing.T, store *memoryStore, cfg *config.Config, pinger Pinger) *Server {
	t.Helper()
	canonical, err := core.NewFileCanonicalStore(t.TempDir())
	require.NoError(t, err)
	reports, err := core.NewFileReportStore(t.TempDir())
	require.NoError(t, err)

	svc, err := core.NewService(core.ServiceDeps{
		Store:     store,
		Canonical: canonical,
		Reports:   reports,
		Codec:     core.NewReferenceCodec(testSecret, false),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, core.ServiceConfig{MaxFileSize: cfg.Import.MaxFileSize})
	require.NoError(t, err)

	return NewServer(svc, pinger, cfg)
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import/preview", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const contactsCSV = "nom;prenom;tel;cp\n" +
	"Dupont;Jean;06 12 34 56 78;75001\n" +
	"Martin;Paul;0612345678;75002\n" +
	"Durand;Luc;;75003\n" +
	"Petit;Anne;0699999999;7500\n" +
	"Roux;Marc;0611111111;123\n"

func preview(t *testing.T, s *Server, filename, content string) core.PreviewResult {
	t.Helper()
	rec := serve(s, uploadRequest(t, filename, []byte(content), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result core.PreviewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func process(s *Server, req core.ProcessRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/api/import/process", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return serve(s, r)
}

func TestPreview(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	result := preview(t, s, "contacts.csv", contactsCSV)

	assert.Equal(t, core.KindDelimited, result.Kind)
	assert.Equal(t, []string{"nom", "prenom", "tel", "cp"}, result.Columns)
	assert.Equal(t, 5, result.TotalRows)
	assert.Len(t, result.PreviewRows, 5)
	assert.NotEmpty(t, result.CanonicalHandle)
	assert.Equal(t, "tel", result.SuggestedMapping["tel"])
	assert.Equal(t, "cp", result.SuggestedMapping["cp"])
}

func TestPreview_SecurityHeaders(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	rec := serve(s, uploadRequest(t, "contacts.csv", []byte(contactsCSV), nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestPreview_NoFile(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	rec := serve(s, uploadRequest(t, "", nil, map[string]string{"ext": "csv"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE004", decodeError(t, rec).Code)
}

func TestPreview_FileTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Import.MaxFileSize = 16
	s := newTestServer(t, newMemoryStore(), cfg, nil)

	rec := serve(s, uploadRequest(t, "contacts.csv", []byte(contactsCSV), nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE001", decodeError(t, rec).Code)
}

func TestPreview_EmptyFile(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	rec := serve(s, uploadRequest(t, "contacts.csv", []byte("  \n"), nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE005", decodeError(t, rec).Code)
}

func TestPreview_ForceTab(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	content := "nom;prenom;ville\ttel\nDupont;Jean;Paris\t0612345678\n"
	rec := serve(s, uploadRequest(t, "contacts.txt", []byte(content), map[string]string{"force_tab": "true"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result core.PreviewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, []string{"nom;prenom;ville", "tel"}, result.Columns)
}

func TestProcess_FullFlow(t *testing.T) {
	store := newMemoryStore(core.ExistingContact{
		ID:        7,
		LastName:  "Petit",
		FirstName: "Anne",
		Status:    "Nouveau",
		Phones:    map[string]string{"tel": "06 99 99 99 99"},
	})
	s := newTestServer(t, store, testConfig(), nil)

	pv := preview(t, s, "contacts.csv", contactsCSV)
	rec := process(s, core.ProcessRequest{
		Mapping:         pv.SuggestedMapping,
		CanonicalHandle: pv.CanonicalHandle,
		Defaults:        core.OperatorDefaults{OperatorID: 3, CenterID: 1, ProductID: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result core.ImportJobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	var wire map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wire))
	assert.Contains(t, wire, "durationMs")
	assert.NotContains(t, wire, "duration")
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 1, result.Inserted)
	assert.Len(t, result.InsertedIDs, 1)
	require.Len(t, result.Duplicates, 2)
	assert.Equal(t, "Martin", result.Duplicates[0].Fields["nom"])
	assert.Equal(t, "Petit", result.Duplicates[1].Fields["nom"])
	require.NotNil(t, result.Duplicates[1].Existing)
	assert.Equal(t, int64(7), result.Duplicates[1].Existing.ID)
	require.Len(t, result.InvalidRecords, 2)
	assert.Equal(t, core.CodeNoPhone, result.InvalidRecords[0].Code)
	assert.Equal(t, core.CodeInvalidPostalCode, result.InvalidRecords[1].Code)
	assert.Empty(t, result.Errors)
	require.NotEmpty(t, result.ReportHandle)

	assert.Len(t, store.inserted, 1)
	assert.Len(t, store.refs, 1)

	// Report download
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/import/report/"+result.ReportHandle, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
	report := rr.Body.String()
	assert.True(t, strings.HasPrefix(report, "Nom,Prénom,Téléphone"))
	assert.Contains(t, report, core.ReasonTypeDuplicate)
	assert.Contains(t, report, core.ReasonTypeInvalid)

	// The stream is consumed
	again := process(s, core.ProcessRequest{Mapping: pv.SuggestedMapping, CanonicalHandle: pv.CanonicalHandle})
	assert.Equal(t, http.StatusNotFound, again.Code)
	assert.Equal(t, "IMP002", decodeError(t, again).Code)
}

func TestProcess_UnknownHandle(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	rec := process(s, core.ProcessRequest{CanonicalHandle: uuid.NewString()})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "IMP002", decodeError(t, rec).Code)
}

func TestProcess_BadBody(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "mapping=tel"},
		{"unknown field", `{"canonicalHandle":"x","bogus":true}`},
		{"missing handle", `{"mapping":{"tel":"Numéro"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/import/process", strings.NewReader(tt.body))
			rec := serve(s, r)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "REQ001", decodeError(t, rec).Code)
		})
	}
}

func TestAbandon(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)
	pv := preview(t, s, "contacts.csv", contactsCSV)

	rec := serve(s, httptest.NewRequest(http.MethodDelete, "/api/import/"+pv.CanonicalHandle, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/api/import/"+pv.CanonicalHandle, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = process(s, core.ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReport_NotFound(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)

	for _, id := range []string{uuid.NewString(), "..%2F..%2Fetc%2Fpasswd"} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/import/report/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestReference(t *testing.T) {
	s := newTestServer(t, newMemoryStore(), testConfig(), nil)
	ref := core.NewReferenceCodec(testSecret, false).Encode(42)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/reference/"+ref, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp referenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.ID)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/reference/short", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "VAL003", decodeError(t, rec).Code)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := newTestServer(t, newMemoryStore(), testConfig(), pingFunc(func(context.Context) error { return nil }))

		rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "ok", resp.Database)
		assert.Equal(t, core.DefaultMaxConcurrentImports, resp.Imports.MaxConcurrent)
	})

	t.Run("database down", func(t *testing.T) {
		s := newTestServer(t, newMemoryStore(), testConfig(), pingFunc(func(context.Context) error {
			return errors.New("connection refused")
		}))

		rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unreachable")
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2, ImportPerMinute: 1}
	s := newTestServer(t, newMemoryStore(), cfg, nil)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE001", decodeError(t, rec).Code)
}

func TestRateLimit_PreviewThenProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 100,
		Burst:             20,
		ImportPerMinute:   10,
		ImportBurst:       5,
	}
	s := newTestServer(t, newMemoryStore(), cfg, nil)

	// A re-preview followed by the process of the second handle
	preview(t, s, "contacts.csv", contactsCSV)
	pv := preview(t, s, "contacts.csv", contactsCSV)
	rec := process(s, core.ProcessRequest{Mapping: pv.SuggestedMapping, CanonicalHandle: pv.CanonicalHandle})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result core.ImportJobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 5, result.Total)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.ParseError{Err: core.ErrFileTooLarge}, http.StatusRequestEntityTooLarge},
		{&core.ParseError{Err: core.ErrEmptyPayload}, http.StatusBadRequest},
		{core.ErrHandleNotFound, http.StatusNotFound},
		{core.ErrReportNotFound, http.StatusNotFound},
		{core.ErrTooManyImports, http.StatusServiceUnavailable},
		{errNoFile, http.StatusBadRequest},
		{&core.StoreError{Op: "read existing contacts", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
