package core

// validation.go checks a job configuration against its dataset before a run.
//
// Blocking problems (empty dataset, unmapped placeholders, unknown columns,
// missing recipient column) stop Start with a *ValidationError. Filename
// character problems are warnings only: the characters are replaced when the
// artifact name is built.

import (
	"fmt"
	"sort"
	"strings"
)

// FilenameIssue is a cell whose value would put disallowed characters in
// an artifact filename.
type FilenameIssue struct {
	Row   int    `json:"row"` // 1-based, as shown to users
	Field string `json:"field"`
	Value string `json:"value"`
	Chars string `json:"chars"`
}

// ValidationReport collects every problem found for a configuration.
type ValidationReport struct {
	EmptyDataset     bool            `json:"empty_dataset"`
	InvalidMode      bool            `json:"invalid_mode"`
	Unmapped         []string        `json:"unmapped"`
	UnknownColumns   []string        `json:"unknown_columns"`
	MissingRecipient bool            `json:"missing_recipient"`
	FilenameIssues   []FilenameIssue `json:"filename_issues"`
}

// OK reports whether the configuration can be started. Filename issues do
// not block.
func (r ValidationReport) OK() bool {
	return r.Err() == nil
}

// Err returns the first blocking problem as a *ValidationError, in the
// order Start checks them.
func (r ValidationReport) Err() error {
	switch {
	case r.EmptyDataset:
		return &ValidationError{Reason: "no rows to process"}
	case r.InvalidMode:
		return &ValidationError{Reason: "unknown mode"}
	case len(r.Unmapped) > 0:
		return &ValidationError{Reason: "unmapped placeholders", Unmapped: r.Unmapped}
	case len(r.UnknownColumns) > 0:
		return &ValidationError{Reason: fmt.Sprintf("mapping refers to unknown column %q", r.UnknownColumns[0])}
	case r.MissingRecipient:
		return &ValidationError{Reason: "no recipient column selected"}
	}
	return nil
}

// Validate checks cfg against rows. templateTokens are the placeholders
// found in the template document, if known.
func Validate(rows RowSource, cfg JobConfig, templateTokens []string) ValidationReport {
	var report ValidationReport

	data := rows.Rows()
	report.EmptyDataset = len(data) == 0
	report.InvalidMode = !cfg.Mode.Valid()

	mapping := NormalizeMapping(cfg.Mapping)

	// Every token that will be substituted must be mapped.
	texts := []string{cfg.FilenamePattern}
	if cfg.Mode.Sends() {
		texts = append(texts, cfg.Message.Subject, cfg.Message.PlainBody, cfg.Message.RichBody)
	}
	tokens := ExtractPlaceholders(texts...)
	if cfg.Mode.Generates() {
		tokens = mergeTokens(tokens, templateTokens)
	}
	for _, tok := range tokens {
		if _, ok := mapping[tok]; !ok {
			report.Unmapped = append(report.Unmapped, tok)
		}
	}

	columns := make(map[string]bool)
	for _, c := range rows.Columns() {
		columns[c] = true
	}
	for _, placeholder := range mapping.Placeholders() {
		if col := mapping[placeholder]; !columns[col] {
			report.UnknownColumns = append(report.UnknownColumns, col)
		}
	}

	if cfg.Mode.Sends() && (cfg.RecipientColumn == "" || !columns[cfg.RecipientColumn]) {
		report.MissingRecipient = true
	}

	report.FilenameIssues = filenameIssues(data, mapping, cfg.FilenamePattern)
	return report
}

// filenameIssues reports cells used by the filename pattern that contain
// disallowed characters.
func filenameIssues(rows []Row, mapping Mapping, pattern string) []FilenameIssue {
	used := ExtractPlaceholders(pattern)
	var issues []FilenameIssue
	for _, row := range rows {
		for _, placeholder := range used {
			column, ok := mapping[placeholder]
			if !ok {
				continue
			}
			value, _ := row.Get(column)
			if chars := InvalidFilenameRunes(value); chars != "" {
				issues = append(issues, FilenameIssue{
					Row:   row.Index + 1,
					Field: column,
					Value: value,
					Chars: chars,
				})
			}
		}
	}
	return issues
}

func mergeTokens(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}
