// Package dataset parses recipient spreadsheets exported as CSV into the
// row source consumed by the orchestrator.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/certmailer/internal/core"
)

// MaxSize caps the bytes read from a single dataset.
const MaxSize = 20 << 20

var (
	// ErrEmpty is returned for input without a header row.
	ErrEmpty = errors.New("empty file")

	// ErrTooLarge is returned when the input exceeds MaxSize.
	ErrTooLarge = errors.New("file too large")
)

// Dataset is an immutable parsed spreadsheet. It implements core.RowSource.
type Dataset struct {
	Name    string
	columns []string
	rows    []core.Row
}

// Open parses the CSV file at path.
func Open(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	ds, err := Parse(f)
	if err != nil {
		return nil, err
	}
	ds.Name = filepath.Base(path)
	return ds, nil
}

// Parse reads CSV data. The first non-empty record is the header; blank
// header cells become "Column N" and duplicates get a numeric suffix.
// Empty records are skipped and cells are trimmed.
func Parse(r io.Reader) (*Dataset, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}

	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	records, err := parseCSV(sanitizeUTF8(data))
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}

	start := 0
	for start < len(records) && isEmptyRow(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, ErrEmpty
	}

	ds := &Dataset{columns: headerNames(records[start])}
	for _, rec := range records[start+1:] {
		if isEmptyRow(rec) {
			continue
		}
		row := core.Row{Index: len(ds.rows), Fields: make([]core.Field, len(ds.columns))}
		for i, col := range ds.columns {
			var v string
			if i < len(rec) {
				v = cleanCell(rec[i])
			}
			row.Fields[i] = core.Field{Name: col, Value: v}
		}
		ds.rows = append(ds.rows, row)
	}
	return ds, nil
}

// Rows implements core.RowSource.
func (d *Dataset) Rows() []core.Row { return d.rows }

// Columns implements core.RowSource.
func (d *Dataset) Columns() []string { return d.columns }

// Len is the number of data rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Page is one page of a dataset preview.
type Page struct {
	Columns    []string   `json:"columns"`
	Rows       [][]string `json:"rows"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalRows  int        `json:"total_rows"`
	TotalPages int        `json:"total_pages"`
}

// Page returns the 1-based page of rows. Out of range pages are clamped.
func (d *Dataset) Page(page, size int) Page {
	if size <= 0 {
		size = 25
	}
	total := len(d.rows)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}

	from := (page - 1) * size
	to := min(from+size, total)

	out := Page{
		Columns:    d.columns,
		Rows:       make([][]string, 0, to-from),
		Page:       page,
		PageSize:   size,
		TotalRows:  total,
		TotalPages: pages,
	}
	for _, row := range d.rows[from:to] {
		out.Rows = append(out.Rows, row.Values())
	}
	return out
}

func headerNames(rec []string) []string {
	names := make([]string, len(rec))
	seen := make(map[string]int, len(rec))
	for i, h := range rec {
		name := cleanCell(h)
		if name == "" {
			name = "Column " + strconv.Itoa(i+1)
		}
		key := strings.ToLower(name)
		if n := seen[key]; n > 0 {
			seen[key] = n + 1
			name = name + "_" + strconv.Itoa(n+1)
		} else {
			seen[key] = 1
		}
		names[i] = name
	}
	return names
}

func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	return bytes.ToValidUTF8(data, []byte("\uFFFD"))
}

func parseCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// cleanCell trims whitespace and unwraps Excel's ="..." text formula.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return s
}
