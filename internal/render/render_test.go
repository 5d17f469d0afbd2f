package render

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/JonMunkholm/certmailer/internal/logging"
)

func writeTemplate(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRenderer(t *testing.T, opts Options) *FileRenderer {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	opts.Logger = logging.Discard()
	return New(opts)
}

func TestRender_FillsTemplate(t *testing.T) {
	tpl := writeTemplate(t, "cert.md", "# Certificate\n{{Name}} completed {{ course }}.\n")
	r := newRenderer(t, Options{})

	path, err := r.Render(context.Background(), core.RenderRequest{
		Fields:      map[string]string{"name": "Ada", "course": "Go 101"},
		TemplateRef: tpl,
		FileName:    "Ada_certificate",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if filepath.Base(path) != "Ada_certificate.md" {
		t.Errorf("artifact = %q, want Ada_certificate.md", filepath.Base(path))
	}
	data, _ := os.ReadFile(path)
	if got, want := string(data), "# Certificate\nAda completed Go 101.\n"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	tpl := writeTemplate(t, "cert.html", "<p>{{name}}</p>")
	r := newRenderer(t, Options{})

	path, err := r.Render(context.Background(), core.RenderRequest{
		Fields:      map[string]string{"name": "<b>R&D</b>"},
		TemplateRef: tpl,
		FileName:    "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if got, want := string(data), "<p>&lt;b&gt;R&amp;D&lt;/b&gt;</p>"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestRender_NeverOverwrites(t *testing.T) {
	tpl := writeTemplate(t, "cert.txt", "{{name}}")
	r := newRenderer(t, Options{})

	var got []string
	for _, name := range []string{"first", "second", "third"} {
		path, err := r.Render(context.Background(), core.RenderRequest{
			Fields:      map[string]string{"name": name},
			TemplateRef: tpl,
			FileName:    "same",
		})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, filepath.Base(path))
	}

	want := []string{"same.txt", "same_1.txt", "same_2.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("artifacts = %v, want %v", got, want)
	}

	data, _ := os.ReadFile(filepath.Join(r.opts.OutputDir, "same.txt"))
	if string(data) != "first" {
		t.Errorf("first artifact was overwritten: %q", data)
	}
}

func TestRender_MissingTemplate(t *testing.T) {
	r := newRenderer(t, Options{})

	_, err := r.Render(context.Background(), core.RenderRequest{TemplateRef: "/nope/cert.html", FileName: "x"})
	var re *core.RenderError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *core.RenderError", err)
	}
	if re.Reason != "template not found" {
		t.Errorf("Reason = %q", re.Reason)
	}
}

func TestRender_Converter(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tpl := writeTemplate(t, "cert.txt", "{{name}}")
	r := newRenderer(t, Options{
		Command:   []string{"sh", "-c", `cp "$1" "$2/$(basename "${1%.*}").pdf"`, "sh", InputToken, OutDirToken},
		Extension: "pdf",
	})

	path, err := r.Render(context.Background(), core.RenderRequest{
		Fields:      map[string]string{"name": "Ada"},
		TemplateRef: tpl,
		FileName:    "Ada",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if filepath.Base(path) != "Ada.pdf" {
		t.Errorf("artifact = %q, want Ada.pdf", filepath.Base(path))
	}
	if filepath.Dir(path) != r.opts.OutputDir {
		t.Errorf("artifact dir = %q, want %q", filepath.Dir(path), r.opts.OutputDir)
	}
}

func TestRender_ConverterNameWithExtension(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tpl := writeTemplate(t, "cert.txt", "{{name}}")
	r := newRenderer(t, Options{
		Command:   []string{"sh", "-c", `cp "$1" "$2/$(basename "${1%.*}").pdf"`, "sh", InputToken, OutDirToken},
		Extension: ".pdf",
	})

	path, err := r.Render(context.Background(), core.RenderRequest{
		Fields:      map[string]string{"name": "Bob"},
		TemplateRef: tpl,
		FileName:    "certificate_Bob.pdf",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if filepath.Base(path) != "certificate_Bob.pdf" {
		t.Errorf("artifact = %q, want certificate_Bob.pdf", filepath.Base(path))
	}

	got, ok := r.Locate("certificate_Bob.pdf")
	if !ok || got != path {
		t.Errorf("Locate() = %q, %v, want %q", got, ok, path)
	}
}

func TestRender_ConverterFailureRetries(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	counter := filepath.Join(t.TempDir(), "runs")
	tpl := writeTemplate(t, "cert.txt", "{{name}}")
	r := newRenderer(t, Options{
		Command:    []string{"sh", "-c", `echo run >> "$1"; echo boom >&2; exit 3`, "sh", counter},
		Extension:  ".pdf",
		Attempts:   2,
		RetryDelay: time.Millisecond,
	})

	_, err := r.Render(context.Background(), core.RenderRequest{TemplateRef: tpl, FileName: "x"})
	var re *core.RenderError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *core.RenderError", err)
	}

	data, _ := os.ReadFile(counter)
	if got := len(data) / len("run\n"); got != 2 {
		t.Errorf("converter runs = %d, want 2", got)
	}

	entries, _ := os.ReadDir(r.opts.OutputDir)
	if len(entries) != 0 {
		t.Errorf("failed conversion left %d files in output dir", len(entries))
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Ada_3.pdf", "Ada_1.pdf", "Ada_Lovelace.pdf", "Bob.txt", "Ada_01.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	withConverter := newRenderer(t, Options{OutputDir: dir, Command: []string{"convert"}, Extension: ".pdf"})
	plain := newRenderer(t, Options{OutputDir: dir})

	tests := []struct {
		name   string
		r      *FileRenderer
		file   string
		want   string
		wantOK bool
	}{
		{"lowest numbered variant", withConverter, "Ada", "Ada_1.pdf", true},
		{"exact beats variants", withConverter, "Ada_Lovelace", "Ada_Lovelace.pdf", true},
		{"extension filtered", withConverter, "Bob", "", false},
		{"extension in name", withConverter, "Ada.PDF", "Ada_1.pdf", true},
		{"any extension without converter", plain, "Bob", "Bob.txt", true},
		{"missing", plain, "Carol", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.r.Locate(tt.file)
			if ok != tt.wantOK {
				t.Fatalf("Locate(%q) ok = %v, want %v", tt.file, ok, tt.wantOK)
			}
			if ok && filepath.Base(got) != tt.want {
				t.Errorf("Locate(%q) = %q, want %q", tt.file, filepath.Base(got), tt.want)
			}
		})
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.pdf")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	r := newRenderer(t, Options{OutputDir: dir})

	if !r.Exists(file) {
		t.Error("Exists(file) = false")
	}
	if r.Exists(dir) {
		t.Error("Exists(dir) = true, want false for directories")
	}
	if r.Exists("") {
		t.Error("Exists(\"\") = true")
	}
}

func TestPlaceholders(t *testing.T) {
	tpl := writeTemplate(t, "cert.html", "<h1>{{Name}}</h1><p>{{course}} on {{ date }} for {{name}}</p>")
	r := newRenderer(t, Options{})

	got, err := r.Placeholders(context.Background(), tpl)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"course", "date", "name"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders() = %v, want %v", got, want)
	}

	if _, err := r.Placeholders(context.Background(), "/missing.html"); err == nil {
		t.Error("Placeholders(missing) should fail")
	}
}

func TestParseCommand(t *testing.T) {
	got := ParseCommand("soffice --headless --convert-to pdf --outdir {outdir} {input}")
	want := []string{"soffice", "--headless", "--convert-to", "pdf", "--outdir", "{outdir}", "{input}"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseCommand() = %v, want %v", got, want)
	}
}
