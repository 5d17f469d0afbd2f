package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job is one run of a batch. It is returned by Orchestrator.Start and acts
// as the handle for stopping and observing the run.
type Job struct {
	ID        string
	Config    JobConfig
	CreatedAt time.Time

	rows     []Row
	columns  []string
	progress *Progress
	done     chan struct{}

	stopRequested atomic.Bool
	finishOnce    sync.Once

	mu           sync.RWMutex
	status       JobStatus
	outcomes     *Outcomes
	checkpointID string
	sender       string
	processed    int
	finishedAt   time.Time
}

func newJob(id string, cfg JobConfig, rows RowSource, prior []RowOutcome, logCapacity int, now time.Time) *Job {
	data := rows.Rows()
	return &Job{
		ID:           id,
		Config:       cfg,
		CreatedAt:    now,
		rows:         data,
		columns:      append([]string(nil), rows.Columns()...),
		progress:     NewProgress(id, len(data), logCapacity),
		done:         make(chan struct{}),
		status:       StatusIdle,
		outcomes:     NewOutcomes(prior),
		checkpointID: cfg.CheckpointID,
	}
}

// Stop requests cooperative cancellation. The current row finishes first.
// Stopping a stopping job is a no-op; stopping a finished job returns
// ErrAlreadyStopped.
func (j *Job) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case StatusStopped, StatusComplete:
		return ErrAlreadyStopped
	case StatusStopping:
		return nil
	}
	j.stopRequested.Store(true)
	if j.status == StatusRunning {
		j.status = StatusStopping
	}
	return nil
}

// Status returns the latest progress snapshot with the current job status.
func (j *Job) Status() Snapshot {
	s := j.progress.Snapshot()
	j.mu.RLock()
	s.Status = j.status
	j.mu.RUnlock()
	return s
}

// JobStatus returns the lifecycle state.
func (j *Job) JobStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Subscribe attaches a new progress observer.
func (j *Job) Subscribe() *Observer {
	return j.progress.Subscribe()
}

// Done is closed after the terminal snapshot has been published.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// CheckpointID returns the id of the job's checkpoint, once created.
func (j *Job) CheckpointID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.checkpointID
}

// Columns returns the dataset column names.
func (j *Job) Columns() []string {
	return append([]string(nil), j.columns...)
}

// Outcomes returns a copy of the recorded outcomes.
func (j *Job) Outcomes() []RowOutcome {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.outcomes.List()
}

// Outcome returns the outcome for a row and stage.
func (j *Job) Outcome(row int, stage Stage) (RowOutcome, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.outcomes.Get(row, stage)
}

// FailedRows lists rows with a failed stage.
func (j *Job) FailedRows() []FailedRow {
	return CollectFailedRows(j.rows, j.Outcomes())
}

// Summary reports counts and failures. It is final once Done is closed.
func (j *Job) Summary() Summary {
	outcomes := j.Outcomes()
	failed := CollectFailedRows(j.rows, outcomes)

	j.mu.RLock()
	defer j.mu.RUnlock()

	end := j.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return Summary{
		JobID:        j.ID,
		CheckpointID: j.checkpointID,
		Status:       j.status,
		Processed:    j.processed,
		Total:        len(j.rows),
		Counts:       CountOutcomes(outcomes),
		FailedCount:  len(failed),
		FailedRows:   failed,
		Duration:     end.Sub(j.CreatedAt),
	}
}

func (j *Job) record(oc RowOutcome) {
	j.mu.Lock()
	j.outcomes.Put(oc)
	j.mu.Unlock()
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) setCheckpointID(id string) {
	j.mu.Lock()
	j.checkpointID = id
	j.mu.Unlock()
}

func (j *Job) counts() (int, OutcomeCounts) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.processed, j.outcomes.Counts()
}

func (j *Job) incProcessed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.processed++
	return j.processed
}

// checkpoint builds the durable record of the job.
func (j *Job) checkpoint(status CheckpointStatus) *Checkpoint {
	j.mu.RLock()
	defer j.mu.RUnlock()

	cfg := j.Config
	cfg.CheckpointID = ""
	outcomes := j.outcomes.List()
	return &Checkpoint{
		ID:            j.checkpointID,
		CreatedAt:     j.CreatedAt,
		Status:        status,
		Config:        cfg,
		RowCount:      len(j.rows),
		SenderAddress: j.sender,
		Counts:        CountOutcomes(outcomes),
		Outcomes:      outcomes,
	}
}
