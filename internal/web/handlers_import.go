package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ficheimport/internal/core"
)

// multipartOverhead is allowed on top of the file size for form boundaries
// and the small text fields.
const multipartOverhead = 1 << 20

// handlePreview parses an uploaded file and stores its canonical stream.
//
// Form fields:
//   - file: the contact file (required)
//   - ext: declared extension, defaults to the file name's
//   - force_tab: "true" to read delimited text as tab-separated
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			respondError(w, r, &core.ParseError{Err: core.ErrFileTooLarge})
			return
		}
		respondError(w, r, errNoFile)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, errNoFile)
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		respondError(w, r, &core.ParseError{Err: core.ErrFileTooLarge})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	ext := r.FormValue("ext")
	if ext == "" {
		ext = filepath.Ext(header.Filename)
	}

	opts := core.PreviewOptions{ForceTab: s.cfg.Import.ForceTab}
	if v := r.FormValue("force_tab"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.ForceTab = b
		}
	}

	result, err := s.importer.Preview(WithRequestMetadata(r.Context(), r), data, ext, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleProcess imports a previewed stream with the submitted mapping.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, multipartOverhead)

	var req core.ProcessRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.CanonicalHandle == "" {
		respondError(w, r, fmt.Errorf("%w: canonicalHandle is required", errBadRequest))
		return
	}

	result, err := s.importer.Process(WithRequestMetadata(r.Context(), r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAbandon drops a previewed stream without importing it.
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := s.importer.Abandon(WithRequestMetadata(r.Context(), r), handle); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReport downloads the reject report of a job as CSV.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reportID")
	data, err := s.importer.Report(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="fiches_non_importees_%s.csv"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// referenceResponse is the body of GET /api/reference/{ref}.
type referenceResponse struct {
	ID int64 `json:"id"`
}

// handleReference resolves an obfuscated contact reference.
func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	id, err := s.importer.DecodeReference(chi.URLParam(r, "ref"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, referenceResponse{ID: id})
}
