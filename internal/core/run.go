package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
)

// runner executes one job. Only its goroutine writes outcomes, publishes
// progress and saves checkpoints.
type runner struct {
	o        *Orchestrator
	job      *Job
	logger   *slog.Logger
	creds    Credentials
	warnings []FilenameIssue

	channel    DeliveryChannel
	channelErr error
	phase      Phase
	warning    string
}

func (r *runner) run(ctx context.Context) {
	job := r.job
	total := len(job.rows)

	job.progress.Logf("[START] %s batch over %d rows", job.Config.Mode, total)
	for _, w := range r.warnings {
		job.progress.Logf("[WARN] Row %d: %s contains %q, replaced in filename", w.Row, w.Field, w.Chars)
	}
	r.publish(PhaseIdle)

	// The checkpoint exists before the first row so a crash mid-row can
	// still be resumed.
	r.persist(ctx, CheckpointInProgress)

	if job.Config.Mode.Sends() {
		r.channel, r.channelErr = r.o.mailer.Open(ctx, r.creds)
		if r.channelErr != nil {
			r.logger.Error("open delivery channel", "error", r.channelErr)
			job.progress.Logf("[ERROR] delivery channel unavailable: %v", r.channelErr)
		}
	}

	for i, row := range job.rows {
		if job.stopRequested.Load() || ctx.Err() != nil {
			job.progress.Logf("[STOP] stopped before row %d", row.Index+1)
			r.finish(StatusStopped)
			return
		}

		attempted := r.processRow(ctx, row)

		processed := job.incProcessed()
		if processed < total {
			r.publish(r.phase)
		}
		r.persist(ctx, CheckpointInProgress)

		if attempted && r.o.sendInterval > 0 && i < total-1 {
			_ = r.o.sleep(ctx, r.o.sendInterval)
		}
	}

	// A stop accepted while the last row ran still ends the job stopped.
	if job.stopRequested.Load() {
		job.progress.Logf("[STOP] stopped after the last row")
		r.finish(StatusStopped)
		return
	}
	r.finish(StatusComplete)
}

// processRow runs the configured stages for one row and reports whether a
// delivery was attempted.
func (r *runner) processRow(ctx context.Context, row Row) bool {
	job := r.job
	cfg := job.Config
	fields := cfg.Mapping.Fields(row)
	fileName := BuildFilename(cfg.FilenamePattern, fields, row.Index)
	label := fmt.Sprintf("Row %d", row.Index+1)

	var artifact string

	if cfg.Mode.Generates() {
		if prev, ok := job.Outcome(row.Index, StageGenerate); ok && prev.Status == OutcomeSuccess && r.artifactExists(prev.ArtifactPath) {
			artifact = prev.ArtifactPath
			job.progress.Logf("[SKIP] %s: already generated (%s)", label, filepath.Base(artifact))
		} else {
			r.publish(PhaseGenerating)
			path, err := r.o.renderer.Render(ctx, RenderRequest{
				Row:         row,
				Fields:      fields,
				TemplateRef: cfg.TemplateRef,
				FileName:    fileName,
			})
			oc := RowOutcome{RowIndex: row.Index, Stage: StageGenerate, Attempts: 1, UpdatedAt: r.o.now()}
			if err != nil {
				oc.Status = OutcomeFailed
				oc.Error = err.Error()
				job.record(oc)
				job.progress.Logf("[FAIL] %s: generate: %v", label, err)
				r.logger.Warn("render failed", "row", row.Index, "error", err)

				if cfg.Mode.Sends() {
					if prev, ok := job.Outcome(row.Index, StageSend); !ok || prev.Status != OutcomeSuccess {
						job.record(RowOutcome{
							RowIndex:  row.Index,
							Stage:     StageSend,
							Status:    OutcomeSkipped,
							Error:     "artifact not generated",
							UpdatedAt: r.o.now(),
						})
					}
				}
				return false
			}
			oc.Status = OutcomeSuccess
			oc.ArtifactPath = path
			job.record(oc)
			artifact = path
			job.progress.Logf("[OK] %s: generated %s", label, filepath.Base(path))
		}
	}

	if !cfg.Mode.Sends() {
		return false
	}

	if prev, ok := job.Outcome(row.Index, StageSend); ok && prev.Status == OutcomeSuccess {
		job.progress.Logf("[SKIP] %s: already sent", label)
		return false
	}

	if artifact == "" {
		r.publish(PhaseLocating)
		artifact = r.locate(row, fileName)
		if artifact == "" {
			r.failSend(row, "", "artifact not found: "+fileName, label)
			return false
		}
	}

	to, err := recipientAddress(row, cfg.RecipientColumn)
	if err != nil {
		r.failSend(row, artifact, err.Error(), label)
		return false
	}

	if r.channelErr != nil {
		r.failSend(row, artifact, "delivery channel unavailable: "+r.channelErr.Error(), label)
		return false
	}

	r.publish(PhaseSending)
	msg := Message{
		From:           r.creds.Address,
		To:             to,
		Subject:        Substitute(cfg.Message.Subject, fields),
		PlainBody:      Substitute(cfg.Message.PlainBody, fields),
		RichBody:       Substitute(cfg.Message.RichBody, escapeFields(fields)),
		AttachmentPath: artifact,
	}

	oc := RowOutcome{RowIndex: row.Index, Stage: StageSend, ArtifactPath: artifact}
	sendWithRetry(ctx, r.channel, msg, r.o.retry, r.o.sleep, &oc, func(attempt int, err error) {
		job.progress.Logf("[RETRY] %s: attempt %d failed: %v", label, attempt, err)
	})
	oc.UpdatedAt = r.o.now()
	job.record(oc)

	if oc.Status == OutcomeSuccess {
		job.progress.Logf("[OK] %s: sent to %s", label, to)
	} else {
		job.progress.Logf("[FAIL] %s: send to %s after %d attempt(s): %s", label, to, oc.Attempts, oc.Error)
		r.logger.Warn("delivery failed", "row", row.Index, "attempts", oc.Attempts, "error", oc.Error)
	}
	return true
}

// escapeFields HTML-escapes cell values for the rich body.
func escapeFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = html.EscapeString(v)
	}
	return out
}

func (r *runner) failSend(row Row, artifact, reason, label string) {
	r.job.record(RowOutcome{
		RowIndex:     row.Index,
		Stage:        StageSend,
		Status:       OutcomeFailed,
		ArtifactPath: artifact,
		Error:        reason,
		UpdatedAt:    r.o.now(),
	})
	r.job.progress.Logf("[FAIL] %s: %s", label, reason)
}

// locate finds an artifact from an earlier run: first the recorded
// generate outcome, then the locator's naming convention.
func (r *runner) locate(row Row, fileName string) string {
	if prev, ok := r.job.Outcome(row.Index, StageGenerate); ok && prev.Status == OutcomeSuccess && prev.ArtifactPath != "" {
		if r.artifactExists(prev.ArtifactPath) {
			return prev.ArtifactPath
		}
	}
	if r.o.locator != nil {
		if path, ok := r.o.locator.Locate(fileName); ok {
			return path
		}
	}
	return ""
}

func (r *runner) artifactExists(path string) bool {
	if path == "" {
		return false
	}
	if r.o.locator != nil {
		return r.o.locator.Exists(path)
	}
	return true
}

// recipientAddress reads and checks the recipient cell of a row.
func recipientAddress(row Row, column string) (string, error) {
	raw, _ := row.Get(column)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing address")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("missing address: %q is not a valid email", raw)
	}
	return addr.Address, nil
}

func (r *runner) snapshot(phase Phase) Snapshot {
	processed, counts := r.job.counts()
	return Snapshot{
		Phase:     phase,
		Status:    r.job.JobStatus(),
		Processed: processed,
		Total:     len(r.job.rows),
		Counts:    counts,
		Warning:   r.warning,
	}
}

func (r *runner) publish(phase Phase) {
	r.phase = phase
	r.job.progress.Publish(r.snapshot(phase))
}

// persist writes the checkpoint through to the store. Failures are logged
// and surfaced as a snapshot warning; the run continues.
func (r *runner) persist(ctx context.Context, status CheckpointStatus) {
	store := r.o.store
	if store == nil {
		return
	}

	cp := r.job.checkpoint(status)
	id, err := store.Save(ctx, cp, false)
	if err != nil {
		perr := &PersistenceError{Op: "save", CheckpointID: cp.ID, Err: err}
		r.logger.Error("checkpoint save failed", "checkpoint_id", cp.ID, "error", err)
		if r.warning == "" {
			r.job.progress.Logf("[WARN] %v", perr)
		}
		r.warning = perr.Error()
		return
	}
	if r.warning != "" {
		r.job.progress.Logf("[INFO] checkpoint saved again after earlier failure")
		r.warning = ""
	}
	if cp.ID == "" {
		r.job.setCheckpointID(id)
		r.job.progress.Logf("[INFO] checkpoint %s created", id)
	}
}

// finish publishes the terminal snapshot and releases the run slot. Safe
// to call more than once.
func (r *runner) finish(status JobStatus) {
	job := r.job
	job.finishOnce.Do(func() {
		if r.channel != nil {
			if err := r.channel.Close(); err != nil {
				r.logger.Warn("close delivery channel", "error", err)
			}
		}
		job.setStatus(status)

		cpStatus := CheckpointComplete
		phase := PhaseComplete
		if status == StatusStopped {
			cpStatus = CheckpointStopped
			phase = PhaseStopped
		}
		r.persist(context.WithoutCancel(r.o.baseCtx), cpStatus)

		failed := job.FailedRows()
		if len(failed) > 0 && r.o.failedPath != "" {
			if err := r.writeFailedRows(failed); err != nil {
				r.logger.Error("write failed rows", "path", r.o.failedPath, "error", err)
				job.progress.Logf("[WARN] could not write %s: %v", r.o.failedPath, err)
			} else {
				job.progress.Logf("[INFO] %d failed row(s) written to %s", len(failed), r.o.failedPath)
			}
		}

		_, counts := job.counts()
		job.progress.Logf("[DONE] %s: generated %d, sent %d, failed %d",
			status, counts.Generated, counts.Sent, len(failed))

		job.mu.Lock()
		job.finishedAt = r.o.now()
		job.mu.Unlock()

		job.progress.Finish(r.snapshot(phase))

		r.logger.Info("batch finished",
			"status", string(status),
			"processed", job.Summary().Processed,
			"generated", counts.Generated,
			"sent", counts.Sent,
			"failed", len(failed),
		)

		r.o.slot.Release()
		close(job.done)
		r.o.cleanup(job.ID, r.o.retention)
	})
}

func (r *runner) writeFailedRows(failed []FailedRow) error {
	if dir := filepath.Dir(r.o.failedPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(r.o.failedPath)
	if err != nil {
		return err
	}
	if err := WriteFailedRowsCSV(f, r.job.columns, failed); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
