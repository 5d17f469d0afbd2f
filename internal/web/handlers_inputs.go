package web

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/certmailer/internal/dataset"
	"github.com/JonMunkholm/certmailer/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DatasetResponse describes an uploaded dataset and its first page.
type DatasetResponse struct {
	DatasetID string       `json:"dataset_id"`
	FileName  string       `json:"file_name"`
	Columns   []string     `json:"columns"`
	TotalRows int          `json:"total_rows"`
	Preview   dataset.Page `json:"preview"`
}

// handleUploadDataset stores and parses an uploaded CSV file.
func (s *Server) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	file, header, err := readUpload(w, r, s.cfg.Server.MaxUploadSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	// Parse before storing so rejected files never land on disk.
	ds, err := dataset.Parse(bytes.NewReader(data))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	id := uuid.New().String()
	path := s.uploads.datasetPath(id)
	if _, err := s.uploads.store(filepath.Dir(path), filepath.Base(path), bytes.NewReader(data)); err != nil {
		s.respondError(w, r, err)
		return
	}
	ds.Name = header.Filename
	s.datasets.put(id, ds)

	logging.FromContext(r.Context()).Info("dataset uploaded",
		"dataset_id", id,
		"file", header.Filename,
		"rows", ds.Len(),
		"columns", len(ds.Columns()),
	)

	writeJSONStatus(w, http.StatusCreated, DatasetResponse{
		DatasetID: id,
		FileName:  header.Filename,
		Columns:   ds.Columns(),
		TotalRows: ds.Len(),
		Preview:   ds.Page(1, parseIntParam(r, "page_size", 25)),
	})
}

// handlePreviewDataset returns one page of a dataset.
func (s *Server) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasets.get(chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, ds.Page(parseIntParam(r, "page", 1), parseIntParam(r, "page_size", 25)))
}

// TemplateResponse identifies an uploaded template and the placeholders it
// uses.
type TemplateResponse struct {
	TemplateRef  string   `json:"template_ref"`
	FileName     string   `json:"file_name"`
	Placeholders []string `json:"placeholders"`
}

// handleUploadTemplate stores an uploaded certificate template.
func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	file, header, err := readUpload(w, r, s.cfg.Server.MaxUploadSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer file.Close()

	ext, ok := allowedTemplateExt(header.Filename)
	if !ok {
		s.respondError(w, r, fmt.Errorf("%w: unsupported template type %q", errBadRequest, ext))
		return
	}

	ref, err := s.uploads.store(s.uploads.templateDir(), uuid.New().String()+ext, file)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	tokens, err := s.orch.TemplatePlaceholders(r.Context(), ref)
	if err != nil {
		os.Remove(ref)
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("template uploaded",
		"file", header.Filename,
		"placeholders", len(tokens),
	)

	writeJSONStatus(w, http.StatusCreated, TemplateResponse{
		TemplateRef:  ref,
		FileName:     header.Filename,
		Placeholders: tokens,
	})
}
