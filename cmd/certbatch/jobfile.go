package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/certmailer/internal/core"
	"gopkg.in/yaml.v3"
)

// jobFile is the YAML description of one batch run.
//
//	dataset: roster.csv
//	template: templates/certificate.html
//	mode: both
//	mapping:
//	  name: Full Name
//	  course: Course
//	recipient_column: Email
//	filename_pattern: "{{name}}_certificate"
//	message:
//	  subject: Your {{course}} certificate
//	  plain: Hi {{name}}, your certificate is attached.
//
// Relative paths are resolved against the job file's directory.
type jobFile struct {
	Dataset         string               `yaml:"dataset"`
	Template        string               `yaml:"template"`
	Mode            core.Mode            `yaml:"mode"`
	Mapping         map[string]string    `yaml:"mapping"`
	RecipientColumn string               `yaml:"recipient_column"`
	FilenamePattern string               `yaml:"filename_pattern"`
	Message         core.MessageTemplate `yaml:"message"`
	Checkpoint      string               `yaml:"checkpoint"`
}

func readJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	jf.Dataset = resolvePath(base, jf.Dataset)
	jf.Template = resolvePath(base, jf.Template)
	jf.Mode = core.Mode(strings.ToLower(strings.TrimSpace(string(jf.Mode))))
	return &jf, nil
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// config converts the file to a job configuration. For the batch runner
// DataRef is the dataset path, so a checkpoint can be resumed without
// repeating it.
func (jf *jobFile) config() core.JobConfig {
	return core.JobConfig{
		Mode:            jf.Mode,
		Mapping:         core.NormalizeMapping(jf.Mapping),
		RecipientColumn: jf.RecipientColumn,
		Message:         jf.Message,
		FilenamePattern: jf.FilenamePattern,
		TemplateRef:     jf.Template,
		DataRef:         jf.Dataset,
		CheckpointID:    jf.Checkpoint,
	}
}
