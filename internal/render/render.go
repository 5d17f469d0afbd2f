// Package render produces one certificate file per dataset row from a text
// template (HTML, Markdown or plain text), optionally piping the filled
// document through an external converter such as LibreOffice.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
)

// MaxVariants bounds the numbered _1.._N names tried when an artifact name
// is taken.
const MaxVariants = 99

// Converter placeholders replaced in each Command argument.
const (
	InputToken  = "{input}"
	OutDirToken = "{outdir}"
)

// Options configure a FileRenderer.
type Options struct {
	OutputDir string

	// Command converts the filled document. It must write
	// <outdir>/<input name><Extension>. Empty keeps the filled document as
	// the artifact.
	Command []string

	// Extension of converter output, e.g. ".pdf".
	Extension string

	// Timeout applies to each converter run.
	Timeout time.Duration

	// Attempts bounds converter runs per artifact (default 3).
	Attempts   int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// FileRenderer implements core.Renderer, core.ArtifactLocator and
// core.TemplateInspector on the local filesystem.
type FileRenderer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a renderer writing into opts.OutputDir.
func New(opts Options) *FileRenderer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Extension != "" && !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRenderer{opts: opts, logger: logger}
}

// ParseCommand splits a configured converter command line on whitespace.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

// Render implements core.Renderer.
func (r *FileRenderer) Render(ctx context.Context, req core.RenderRequest) (string, error) {
	tpl, err := os.ReadFile(req.TemplateRef)
	if err != nil {
		return "", &core.RenderError{Reason: "template not found", Err: err}
	}

	tplExt := filepath.Ext(req.TemplateRef)
	filled := fill(string(tpl), req.Fields, isHTML(tplExt))

	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return "", &core.RenderError{Reason: "create output dir", Err: err}
	}

	if len(r.opts.Command) == 0 {
		dst, err := r.reserve(req.FileName, tplExt)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(dst, []byte(filled), 0o644); err != nil {
			return "", &core.RenderError{Reason: "write artifact", Err: err}
		}
		return dst, nil
	}

	return r.convert(ctx, r.stem(req.FileName), tplExt, filled)
}

// stem drops a trailing converter extension already present in the name,
// so "certificate_Bob.pdf" does not become "certificate_Bob.pdf.pdf".
func (r *FileRenderer) stem(name string) string {
	ext := r.opts.Extension
	if len(r.opts.Command) == 0 || ext == "" || len(name) <= len(ext) {
		return name
	}
	if strings.EqualFold(name[len(name)-len(ext):], ext) {
		return name[:len(name)-len(ext)]
	}
	return name
}

// convert writes the filled document to a scratch dir, runs the converter
// and moves its output into the output dir.
func (r *FileRenderer) convert(ctx context.Context, name, tplExt, filled string) (string, error) {
	scratch, err := os.MkdirTemp("", "certmailer-render-*")
	if err != nil {
		return "", &core.RenderError{Reason: "create scratch dir", Err: err}
	}
	defer os.RemoveAll(scratch)

	input := filepath.Join(scratch, name+tplExt)
	if err := os.WriteFile(input, []byte(filled), 0o644); err != nil {
		return "", &core.RenderError{Reason: "write filled document", Err: err}
	}
	output := filepath.Join(scratch, name+r.opts.Extension)

	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if lastErr = r.runConverter(ctx, input, scratch); lastErr == nil {
			if _, statErr := os.Stat(output); statErr != nil {
				lastErr = fmt.Errorf("converter produced no %s", filepath.Base(output))
			}
		}
		if lastErr == nil {
			break
		}
		r.logger.Warn("conversion failed", "file", name, "attempt", attempt, "error", lastErr)
		if ctx.Err() != nil || attempt == r.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.opts.RetryDelay):
		}
	}
	if lastErr != nil {
		return "", &core.RenderError{
			Reason: fmt.Sprintf("conversion failed after %d attempts", r.opts.Attempts),
			Err:    lastErr,
		}
	}

	dst, err := r.reserve(name, r.opts.Extension)
	if err != nil {
		return "", err
	}
	if err := moveFile(output, dst); err != nil {
		return "", &core.RenderError{Reason: "move artifact", Err: err}
	}
	return dst, nil
}

func (r *FileRenderer) runConverter(ctx context.Context, input, outdir string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	args := make([]string, len(r.opts.Command))
	for i, a := range r.opts.Command {
		a = strings.ReplaceAll(a, InputToken, input)
		args[i] = strings.ReplaceAll(a, OutDirToken, outdir)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timed out after %s", r.opts.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// reserve returns the first free path among name+ext and its numbered
// variants.
func (r *FileRenderer) reserve(name, ext string) (string, error) {
	for i := 0; i <= MaxVariants; i++ {
		p := filepath.Join(r.opts.OutputDir, variantName(name, i)+ext)
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
	}
	return "", &core.RenderError{Reason: fmt.Sprintf("more than %d artifacts named %q", MaxVariants, name)}
}

// Exists implements core.ArtifactLocator.
func (r *FileRenderer) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Locate implements core.ArtifactLocator. The exact name wins, then the
// lowest numbered variant. With a converter configured only files with its
// extension match.
func (r *FileRenderer) Locate(fileName string) (string, bool) {
	entries, err := os.ReadDir(r.opts.OutputDir)
	if err != nil {
		return "", false
	}

	fileName = r.stem(fileName)
	best, bestRank := "", MaxVariants+1
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if len(r.opts.Command) > 0 && !strings.EqualFold(ext, r.opts.Extension) {
			continue
		}
		rank, ok := variantRank(strings.TrimSuffix(e.Name(), ext), fileName)
		if ok && rank < bestRank {
			best, bestRank = e.Name(), rank
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(r.opts.OutputDir, best), true
}

// Placeholders implements core.TemplateInspector.
func (r *FileRenderer) Placeholders(ctx context.Context, ref string) ([]string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("template not found: %w", err)
	}
	return core.ExtractPlaceholders(string(data)), nil
}

func variantName(name string, i int) string {
	if i == 0 {
		return name
	}
	return name + "_" + strconv.Itoa(i)
}

// variantRank reports 0 for base == name and n for base == name_n.
func variantRank(base, name string) (int, bool) {
	if base == name {
		return 0, true
	}
	suffix, ok := strings.CutPrefix(base, name+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 || n > MaxVariants || strconv.Itoa(n) != suffix {
		return 0, false
	}
	return n, true
}

// fill substitutes row values, escaping them for HTML templates.
func fill(tpl string, fields map[string]string, escape bool) string {
	if !escape {
		return core.Substitute(tpl, fields)
	}
	escaped := make(map[string]string, len(fields))
	for k, v := range fields {
		escaped[k] = html.EscapeString(v)
	}
	return core.Substitute(tpl, escaped)
}

func isHTML(ext string) bool {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return true
	}
	return false
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
