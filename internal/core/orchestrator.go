package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultJobRetention is how long finished jobs stay queryable.
var DefaultJobRetention = 30 * time.Minute

// Orchestrator starts and tracks batch jobs. At most one job runs at a time.
type Orchestrator struct {
	renderer     Renderer
	locator      ArtifactLocator
	mailer       Mailer
	credentials  CredentialSupplier
	store        CheckpointStore
	retry        RetryPolicy
	sendInterval time.Duration
	logCapacity  int
	retention    time.Duration
	failedPath   string
	logger       *slog.Logger
	sleep        sleepFunc
	now          func() time.Time

	slot *RunSlot

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*Job
	last *Job
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRenderer sets the artifact renderer. If it also implements
// ArtifactLocator it is used for locating artifacts in send-only runs.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) {
		o.renderer = r
		if l, ok := r.(ArtifactLocator); ok && o.locator == nil {
			o.locator = l
		}
	}
}

// WithLocator sets the artifact locator explicitly.
func WithLocator(l ArtifactLocator) Option {
	return func(o *Orchestrator) { o.locator = l }
}

// WithMailer sets the delivery channel factory.
func WithMailer(m Mailer) Option {
	return func(o *Orchestrator) { o.mailer = m }
}

// WithCredentials sets the sender credential supplier.
func WithCredentials(c CredentialSupplier) Option {
	return func(o *Orchestrator) { o.credentials = c }
}

// WithCheckpointStore sets the checkpoint store. Without one, runs are not
// persisted and cannot be resumed.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithRetryPolicy sets the delivery retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithSendInterval sets the pause between deliveries.
func WithSendInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.sendInterval = d }
}

// WithLogCapacity sets how many log lines each job retains.
func WithLogCapacity(n int) Option {
	return func(o *Orchestrator) { o.logCapacity = n }
}

// WithJobRetention sets how long finished jobs stay queryable.
func WithJobRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithFailedRowsPath writes a CSV of failed rows there when a job finishes
// with failures.
func WithFailedRowsPath(path string) Option {
	return func(o *Orchestrator) { o.failedPath = path }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		retry:       DefaultRetryPolicy(),
		logCapacity: DefaultLogCapacity,
		retention:   DefaultJobRetention,
		logger:      slog.Default(),
		sleep:       sleepContext,
		now:         time.Now,
		slot:        NewRunSlot(),
		baseCtx:     ctx,
		cancelBase:  cancel,
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks cfg against rows without starting anything.
func (o *Orchestrator) Validate(ctx context.Context, rows RowSource, cfg JobConfig) (ValidationReport, error) {
	tokens, err := o.templateTokens(ctx, cfg)
	if err != nil {
		return ValidationReport{}, err
	}
	return Validate(rows, cfg, tokens), nil
}

// TemplatePlaceholders lists the placeholders used by a template document.
// It returns nil when the renderer cannot inspect templates.
func (o *Orchestrator) TemplatePlaceholders(ctx context.Context, templateRef string) ([]string, error) {
	insp, ok := o.renderer.(TemplateInspector)
	if !ok {
		return nil, nil
	}
	tokens, err := insp.Placeholders(ctx, templateRef)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("template not readable: %v", err)}
	}
	return tokens, nil
}

func (o *Orchestrator) templateTokens(ctx context.Context, cfg JobConfig) ([]string, error) {
	if !cfg.Mode.Generates() || cfg.TemplateRef == "" {
		return nil, nil
	}
	return o.TemplatePlaceholders(ctx, cfg.TemplateRef)
}

// Start validates the configuration and launches a job in the background.
// It returns *ValidationError for unmet preconditions, *ConflictError when
// another job is active, and *NotFoundError for an unknown checkpoint.
func (o *Orchestrator) Start(ctx context.Context, rows RowSource, cfg JobConfig) (*Job, error) {
	if o.slot.Busy() {
		return nil, &ConflictError{ActiveJobID: o.slot.Owner()}
	}

	cfg.Mapping = NormalizeMapping(cfg.Mapping)

	if cfg.Mode.Generates() && o.renderer == nil {
		return nil, &ValidationError{Reason: "no renderer configured"}
	}

	tokens, err := o.templateTokens(ctx, cfg)
	if err != nil {
		return nil, err
	}
	report := Validate(rows, cfg, tokens)
	if err := report.Err(); err != nil {
		return nil, err
	}

	var creds Credentials
	if cfg.Mode.Sends() {
		if o.mailer == nil || o.credentials == nil {
			return nil, &ValidationError{Reason: ErrNoCredentials.Error()}
		}
		creds, err = o.credentials.Credentials(ctx)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				return nil, &ValidationError{Reason: ErrNoCredentials.Error()}
			}
			return nil, &ValidationError{Reason: fmt.Sprintf("read credentials: %v", err)}
		}
		if creds.Address == "" {
			return nil, &ValidationError{Reason: ErrNoCredentials.Error()}
		}
	}

	var prior []RowOutcome
	if cfg.CheckpointID != "" {
		if o.store == nil {
			return nil, &ValidationError{Reason: "no checkpoint store configured"}
		}
		cp, err := o.store.Load(ctx, cfg.CheckpointID)
		if err != nil {
			return nil, err
		}
		if n := len(rows.Rows()); cp.RowCount != n {
			return nil, &ValidationError{Reason: fmt.Sprintf("checkpoint was saved for %d rows, dataset has %d", cp.RowCount, n)}
		}
		prior = cp.Outcomes
	}

	jobID := uuid.New().String()
	if err := o.slot.TryAcquire(jobID); err != nil {
		return nil, err
	}

	job := newJob(jobID, cfg, rows, prior, o.logCapacity, o.now())
	job.sender = creds.Address
	job.setStatus(StatusRunning)

	o.mu.Lock()
	o.jobs[jobID] = job
	o.last = job
	o.mu.Unlock()

	logger := o.logger.With("job_id", jobID, "mode", string(cfg.Mode))
	logger.Info("batch started",
		"rows", len(job.rows),
		"resume_checkpoint", cfg.CheckpointID,
		"filename_warnings", len(report.FilenameIssues),
	)

	r := &runner{
		o:        o,
		job:      job,
		logger:   logger,
		creds:    creds,
		warnings: report.FilenameIssues,
	}

	// Run on a context detached from the request, with panic recovery so
	// the run slot is always released.
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in batch", "panic", rec)
				job.progress.Logf("[ERROR] internal error: %v", rec)
				r.finish(StatusStopped)
			}
		}()
		r.run(o.baseCtx)
	}()

	return job, nil
}

// Job returns a tracked job by id.
func (o *Orchestrator) Job(jobID string) (*Job, error) {
	o.mu.RLock()
	job, ok := o.jobs[jobID]
	o.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// Current returns the active job, or the most recent one if none is active.
func (o *Orchestrator) Current() (*Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if owner := o.slot.Owner(); owner != "" {
		if job, ok := o.jobs[owner]; ok {
			return job, true
		}
	}
	if o.last != nil {
		if _, ok := o.jobs[o.last.ID]; ok {
			return o.last, true
		}
	}
	return nil, false
}

// Stop requests cancellation of a job.
func (o *Orchestrator) Stop(jobID string) error {
	job, err := o.Job(jobID)
	if err != nil {
		return err
	}
	return job.Stop()
}

// Status returns the latest snapshot of a job.
func (o *Orchestrator) Status(jobID string) (Snapshot, error) {
	job, err := o.Job(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	return job.Status(), nil
}

// Running reports whether a job holds the run slot.
func (o *Orchestrator) Running() bool {
	return o.slot.Busy()
}

// ActiveCheckpointID returns the checkpoint of the active job, if any.
func (o *Orchestrator) ActiveCheckpointID() string {
	owner := o.slot.Owner()
	if owner == "" {
		return ""
	}
	job, err := o.Job(owner)
	if err != nil {
		return ""
	}
	return job.CheckpointID()
}

// Shutdown stops the active job and waits for it to finish. If ctx expires
// first, in-flight collaborator calls are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if owner := o.slot.Owner(); owner != "" {
		if err := o.Stop(owner); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			o.logger.Warn("stop on shutdown", "job_id", owner, "error", err)
		}
	}

	err := o.slot.WaitForDrain(ctx)
	if err != nil {
		o.cancelBase()
		return fmt.Errorf("wait for batch: %w", err)
	}
	o.cancelBase()
	return nil
}

// cleanup removes the job from tracking after a delay.
func (o *Orchestrator) cleanup(jobID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.jobs, jobID)
		if o.last != nil && o.last.ID == jobID {
			o.last = nil
		}
		o.mu.Unlock()
	})
}
