package core

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Mode selects which stages a job runs for each row.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeSend     Mode = "send"
	ModeBoth     Mode = "both"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeGenerate, ModeSend, ModeBoth:
		return true
	}
	return false
}

// Generates reports whether the mode renders artifacts.
func (m Mode) Generates() bool { return m == ModeGenerate || m == ModeBoth }

// Sends reports whether the mode delivers artifacts.
func (m Mode) Sends() bool { return m == ModeSend || m == ModeBoth }

// Stage is one unit of per-row work.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageSend     Stage = "send"
)

// OutcomeStatus is the result of a stage for one row.
type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusIdle     JobStatus = "idle"
	StatusRunning  JobStatus = "running"
	StatusStopping JobStatus = "stopping"
	StatusStopped  JobStatus = "stopped"
	StatusComplete JobStatus = "complete"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusStopped || s == StatusComplete
}

// Phase is the coarse activity reported to progress observers.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseLocating   Phase = "locating"
	PhaseSending    Phase = "sending"
	PhaseComplete   Phase = "complete"
	PhaseStopped    Phase = "stopped"
)

// Field is one named cell of a row.
type Field struct {
	Name  string
	Value string
}

// Row is one record of the imported dataset. Index is 0-based and stable.
type Row struct {
	Index  int
	Fields []Field
}

// Get returns the value of the named column. Column names match exactly.
func (r Row) Get(column string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == column {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns cell values in column order.
func (r Row) Values() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Value
	}
	return out
}

// RowSource supplies the rows and column names of a dataset.
type RowSource interface {
	Rows() []Row
	Columns() []string
}

// Mapping binds placeholder names to dataset columns. Keys are lowercase.
type Mapping map[string]string

// NormalizeMapping lowercases placeholder names and drops blank bindings.
func NormalizeMapping(m map[string]string) Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.TrimSpace(v) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// Fields resolves every mapped placeholder against row.
func (m Mapping) Fields(row Row) map[string]string {
	out := make(map[string]string, len(m))
	for placeholder, column := range m {
		v, _ := row.Get(column)
		out[placeholder] = v
	}
	return out
}

// Placeholders returns the mapped placeholder names, sorted.
func (m Mapping) Placeholders() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MessageTemplate holds the subject and bodies sent with each artifact.
type MessageTemplate struct {
	Subject   string `json:"subject" yaml:"subject"`
	PlainBody string `json:"body_plain" yaml:"plain"`
	RichBody  string `json:"body_html" yaml:"html"`
}

// JobConfig is everything a job needs besides the rows themselves.
type JobConfig struct {
	Mode            Mode            `json:"mode"`
	Mapping         Mapping         `json:"mapping"`
	RecipientColumn string          `json:"recipient_column,omitempty"`
	Message         MessageTemplate `json:"message"`
	FilenamePattern string          `json:"filename_pattern"`
	TemplateRef     string          `json:"template_ref,omitempty"`
	DataRef         string          `json:"data_ref,omitempty"`

	// CheckpointID resumes an existing checkpoint when set.
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Credentials identify the sender to the delivery channel.
type Credentials struct {
	Address string
	Secret  string
}

// CredentialSupplier returns the sender credentials, or ErrNoCredentials.
type CredentialSupplier interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// RenderRequest describes one artifact to produce.
type RenderRequest struct {
	Row         Row
	Fields      map[string]string
	TemplateRef string
	FileName    string // sanitized base name without extension
}

// Renderer produces an artifact for a row and returns its path.
// Failures should be reported as *RenderError.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// ArtifactLocator finds artifacts produced by an earlier run.
type ArtifactLocator interface {
	Exists(path string) bool
	Locate(fileName string) (string, bool)
}

// TemplateInspector lists the placeholders used by a template document.
type TemplateInspector interface {
	Placeholders(ctx context.Context, templateRef string) ([]string, error)
}

// Message is one delivery.
type Message struct {
	From           string
	To             string
	Subject        string
	PlainBody      string
	RichBody       string
	AttachmentPath string
}

// DeliveryChannel sends messages. Failures should be reported as
// *DeliveryError so retry classification is explicit.
type DeliveryChannel interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Mailer opens a delivery channel for the given sender.
type Mailer interface {
	Open(ctx context.Context, creds Credentials) (DeliveryChannel, error)
}

// CheckpointStatus is the persisted run state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in-progress"
	CheckpointStopped    CheckpointStatus = "stopped"
	CheckpointComplete   CheckpointStatus = "complete"
)

// Checkpoint is the durable record of a job.
type Checkpoint struct {
	ID            string           `json:"id"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Status        CheckpointStatus `json:"status"`
	Config        JobConfig        `json:"config"`
	RowCount      int              `json:"row_count"`
	SenderAddress string           `json:"sender_address,omitempty"`
	Counts        OutcomeCounts    `json:"counts"`
	Outcomes      []RowOutcome     `json:"-"`
}

// Summary returns the list view of the checkpoint.
func (c *Checkpoint) Summary() CheckpointSummary {
	return CheckpointSummary{
		ID:              c.ID,
		Label:           c.Label(),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Status:          c.Status,
		RowCount:        c.RowCount,
		Subject:         c.Config.Message.Subject,
		FilenamePattern: c.Config.FilenamePattern,
		SenderAddress:   c.SenderAddress,
		Counts:          c.Counts,
	}
}

// Label is a human-readable name for pickers.
func (c *Checkpoint) Label() string {
	stamp := c.CreatedAt.Local().Format("2006-01-02 15:04")
	if c.Config.Message.Subject != "" {
		return stamp + " " + c.Config.Message.Subject
	}
	return stamp + " " + string(c.Config.Mode)
}

// CheckpointSummary is a checkpoint without its outcomes.
type CheckpointSummary struct {
	ID              string           `json:"id"`
	Label           string           `json:"label"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Status          CheckpointStatus `json:"status"`
	RowCount        int              `json:"row_count"`
	Subject         string           `json:"subject,omitempty"`
	FilenamePattern string           `json:"filename_pattern,omitempty"`
	SenderAddress   string           `json:"sender_address,omitempty"`
	Counts          OutcomeCounts    `json:"counts"`
}

// CheckpointStore persists checkpoints. It is written only from the run
// goroutine of the active job.
//
// Save creates a checkpoint when cp.ID is empty and updates it in place
// otherwise. A partial save updates configuration fields only and leaves
// outcomes untouched. Load returns *NotFoundError for unknown ids and drops
// unreadable outcome entries instead of failing. List is ordered by most
// recent update first.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint, partial bool) (string, error)
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context) ([]CheckpointSummary, error)
}
