package web

// handlers_common.go holds request decoding, response encoding and the
// upload area shared by the handlers.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/JonMunkholm/certmailer/internal/dataset"
	"github.com/google/uuid"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// writeJSON encodes v as JSON with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v as JSON. Encoding errors are logged since the
// header has already been sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// readUpload parses a multipart form and returns the "file" part.
func readUpload(w http.ResponseWriter, r *http.Request, limit int64) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, nil, fmt.Errorf("%w: file too large or invalid form", errBadRequest)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no file provided", errBadRequest)
	}
	return file, header, nil
}

// uploadArea is the directory holding uploaded datasets and templates.
// Files are named by generated ids, never by client-supplied names.
type uploadArea struct {
	root string
}

func newUploadArea(root string) *uploadArea {
	return &uploadArea{root: root}
}

func (u *uploadArea) datasetPath(id string) string {
	return filepath.Join(u.root, "datasets", id+".csv")
}

func (u *uploadArea) templateDir() string {
	return filepath.Join(u.root, "templates")
}

// store copies src to a new file under dir and returns its path.
func (u *uploadArea) store(dir, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

// ownsTemplate reports whether ref is an uploaded template.
func (u *uploadArea) ownsTemplate(ref string) bool {
	dir, err := filepath.Abs(u.templateDir())
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// datasetCache keeps parsed datasets in memory, reloading them from the
// upload area after a restart.
type datasetCache struct {
	uploads *uploadArea

	mu   sync.Mutex
	sets map[string]*dataset.Dataset
}

func newDatasetCache(uploads *uploadArea) *datasetCache {
	return &datasetCache{uploads: uploads, sets: make(map[string]*dataset.Dataset)}
}

func (c *datasetCache) put(id string, ds *dataset.Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[id] = ds
}

// get returns the dataset with id, loading it from disk if needed.
func (c *datasetCache) get(id string) (*dataset.Dataset, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &core.NotFoundError{Kind: "dataset", ID: id}
	}

	c.mu.Lock()
	ds, ok := c.sets[id]
	c.mu.Unlock()
	if ok {
		return ds, nil
	}

	ds, err := dataset.Open(c.uploads.datasetPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &core.NotFoundError{Kind: "dataset", ID: id}
		}
		return nil, err
	}
	c.put(id, ds)
	return ds, nil
}

// allowedTemplateExt lists template formats the renderer can fill.
func allowedTemplateExt(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".html", ".htm", ".md", ".txt":
		return ext, true
	}
	return ext, false
}
