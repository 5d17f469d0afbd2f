package core

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RowOutcome records the result of one stage for one row.
type RowOutcome struct {
	RowIndex     int           `json:"row_index"`
	Stage        Stage         `json:"phase"`
	Status       OutcomeStatus `json:"status"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	Error        string        `json:"error_message,omitempty"`
	Attempts     int           `json:"attempt_count"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Key returns the storage key of the outcome, e.g. "12:send".
func (o RowOutcome) Key() string {
	return OutcomeKey(o.RowIndex, o.Stage)
}

// OutcomeKey formats the (row, stage) key used by checkpoint stores.
func OutcomeKey(row int, stage Stage) string {
	return strconv.Itoa(row) + ":" + string(stage)
}

// ParseOutcomeKey is the inverse of OutcomeKey.
func ParseOutcomeKey(key string) (int, Stage, error) {
	idx, stage, ok := strings.Cut(key, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed outcome key %q", key)
	}
	row, err := strconv.Atoi(idx)
	if err != nil || row < 0 {
		return 0, "", fmt.Errorf("malformed outcome key %q", key)
	}
	switch Stage(stage) {
	case StageGenerate, StageSend:
		return row, Stage(stage), nil
	}
	return 0, "", fmt.Errorf("unknown stage in outcome key %q", key)
}

// Valid reports whether the outcome is internally consistent.
func (o RowOutcome) Valid() bool {
	if o.RowIndex < 0 || o.Attempts < 0 {
		return false
	}
	switch o.Stage {
	case StageGenerate, StageSend:
	default:
		return false
	}
	switch o.Status {
	case OutcomePending, OutcomeSuccess, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

type outcomeKey struct {
	row   int
	stage Stage
}

// Outcomes holds the latest outcome per (row, stage). Not safe for
// concurrent use; Job guards its copy.
type Outcomes struct {
	m map[outcomeKey]RowOutcome
}

// NewOutcomes builds a set from a list; later entries win.
func NewOutcomes(list []RowOutcome) *Outcomes {
	o := &Outcomes{m: make(map[outcomeKey]RowOutcome, len(list))}
	for _, oc := range list {
		o.Put(oc)
	}
	return o
}

// Get returns the outcome for a row and stage.
func (o *Outcomes) Get(row int, stage Stage) (RowOutcome, bool) {
	oc, ok := o.m[outcomeKey{row, stage}]
	return oc, ok
}

// Put records an outcome, replacing any earlier one for the same key.
func (o *Outcomes) Put(oc RowOutcome) {
	o.m[outcomeKey{oc.RowIndex, oc.Stage}] = oc
}

// List returns all outcomes ordered by row, generate before send.
func (o *Outcomes) List() []RowOutcome {
	out := make([]RowOutcome, 0, len(o.m))
	for _, oc := range o.m {
		out = append(out, oc)
	}
	SortOutcomes(out)
	return out
}

// SortOutcomes orders outcomes by row, generate before send.
func SortOutcomes(list []RowOutcome) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].RowIndex != list[j].RowIndex {
			return list[i].RowIndex < list[j].RowIndex
		}
		return list[i].Stage == StageGenerate && list[j].Stage == StageSend
	})
}

// OutcomeCounts are per-stage tallies.
type OutcomeCounts struct {
	Generated      int `json:"generated"`
	GenerateFailed int `json:"generate_failed"`
	Sent           int `json:"sent"`
	SendFailed     int `json:"send_failed"`
	Skipped        int `json:"skipped"`
}

// CountOutcomes tallies a list of outcomes.
func CountOutcomes(list []RowOutcome) OutcomeCounts {
	var c OutcomeCounts
	for _, oc := range list {
		switch {
		case oc.Status == OutcomeSkipped:
			c.Skipped++
		case oc.Stage == StageGenerate && oc.Status == OutcomeSuccess:
			c.Generated++
		case oc.Stage == StageGenerate && oc.Status == OutcomeFailed:
			c.GenerateFailed++
		case oc.Stage == StageSend && oc.Status == OutcomeSuccess:
			c.Sent++
		case oc.Stage == StageSend && oc.Status == OutcomeFailed:
			c.SendFailed++
		}
	}
	return c
}

// Counts tallies the set.
func (o *Outcomes) Counts() OutcomeCounts {
	list := make([]RowOutcome, 0, len(o.m))
	for _, oc := range o.m {
		list = append(list, oc)
	}
	return CountOutcomes(list)
}

// FailedRow is a row with at least one failed stage.
type FailedRow struct {
	RowIndex int      `json:"row_index"`
	Stage    Stage    `json:"phase"`
	Error    string   `json:"error"`
	Values   []string `json:"values"`
}

// Summary is the final report of a job.
type Summary struct {
	JobID        string        `json:"job_id"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Status       JobStatus     `json:"status"`
	Processed    int           `json:"processed"`
	Total        int           `json:"total"`
	Counts       OutcomeCounts `json:"counts"`
	FailedCount  int           `json:"failed_count"`
	FailedRows   []FailedRow   `json:"failed_rows"`
	Duration     time.Duration `json:"duration"`
}

// CollectFailedRows returns one entry per row with a failed stage. When
// both stages failed the generate error is reported.
func CollectFailedRows(rows []Row, outcomes []RowOutcome) []FailedRow {
	byIndex := make(map[int]Row, len(rows))
	for _, r := range rows {
		byIndex[r.Index] = r
	}

	seen := make(map[int]bool)
	var failed []FailedRow
	for _, oc := range outcomes {
		if oc.Status != OutcomeFailed || seen[oc.RowIndex] {
			continue
		}
		seen[oc.RowIndex] = true
		failed = append(failed, FailedRow{
			RowIndex: oc.RowIndex,
			Stage:    oc.Stage,
			Error:    oc.Error,
			Values:   byIndex[oc.RowIndex].Values(),
		})
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].RowIndex < failed[j].RowIndex })
	return failed
}

// WriteFailedRowsCSV writes failed rows with the dataset columns followed
// by an error column.
func WriteFailedRowsCSV(w io.Writer, columns []string, failed []FailedRow) error {
	cw := csv.NewWriter(w)

	header := append(append([]string{}, columns...), "error")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, fr := range failed {
		record := make([]string, len(columns)+1)
		copy(record, fr.Values)
		record[len(columns)] = fr.Error
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", fr.RowIndex, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
