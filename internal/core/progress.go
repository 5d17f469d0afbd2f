package core

// progress.go implements the channel between a running job and its observers.
//
// The producer replaces the latest snapshot and appends to a bounded log.
// It never waits for readers: observers hold their own log offset and pick
// up whatever is current when they next read. Lines that fall out of the
// ring before an observer reads them are reported as dropped. The terminal
// snapshot is retained after Finish, so every observer sees it.

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultLogCapacity is the number of log lines retained per job.
const DefaultLogCapacity = 500

// Snapshot is the latest progress state of a job.
type Snapshot struct {
	JobID     string        `json:"job_id"`
	Phase     Phase         `json:"phase"`
	Status    JobStatus     `json:"status"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Percent   int           `json:"progress_percent"`
	Counts    OutcomeCounts `json:"counts"`
	Warning   string        `json:"warning,omitempty"`
	Version   uint64        `json:"version"`
}

// Update is what an observer receives: the current snapshot and the log
// lines it has not seen yet.
type Update struct {
	Snapshot Snapshot `json:"snapshot"`
	Lines    []string `json:"recent_log_lines"`
	Dropped  int      `json:"dropped_lines,omitempty"`
	Terminal bool     `json:"terminal"`
}

// Progress is a single-producer, multi-observer progress channel.
type Progress struct {
	mu       sync.Mutex
	snap     Snapshot
	lines    []string
	firstSeq uint64 // sequence number of lines[0]
	capacity int
	finished bool
	changed  chan struct{}
	now      func() time.Time
}

// NewProgress creates a channel for a job. capacity bounds the log ring.
func NewProgress(jobID string, total, capacity int) *Progress {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Progress{
		snap: Snapshot{
			JobID:  jobID,
			Phase:  PhaseIdle,
			Status: StatusIdle,
			Total:  total,
		},
		capacity: capacity,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Publish replaces the latest snapshot. Calls after Finish are ignored.
func (p *Progress) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.setLocked(s)
}

// Finish publishes the terminal snapshot. No further updates are accepted.
func (p *Progress) Finish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.setLocked(s)
}

func (p *Progress) setLocked(s Snapshot) {
	s.JobID = p.snap.JobID
	s.Version = p.snap.Version + 1
	if s.Total > 0 {
		s.Percent = s.Processed * 100 / s.Total
	} else {
		s.Percent = 0
	}
	p.snap = s
	p.notifyLocked()
}

// Logf appends a timestamped line to the job log.
func (p *Progress) Logf(format string, args ...any) {
	line := p.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	if len(p.lines) == p.capacity {
		p.lines = p.lines[1:]
		p.firstSeq++
	}
	p.lines = append(p.lines, line)
	p.notifyLocked()
}

// notifyLocked wakes every waiting observer.
func (p *Progress) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Snapshot returns the latest snapshot.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Subscribe returns an observer positioned at the oldest retained line.
func (p *Progress) Subscribe() *Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Observer{p: p, offset: p.firstSeq}
}

// Observer reads a Progress at its own pace. Not safe for concurrent use.
type Observer struct {
	p       *Progress
	offset  uint64
	version uint64
	done    bool
}

// Poll returns the current state without blocking.
func (o *Observer) Poll() Update {
	o.p.mu.Lock()
	defer o.p.mu.Unlock()
	return o.collectLocked()
}

// Next blocks until there is something new, then returns it. After the
// terminal update has been delivered, Next returns io.EOF.
func (o *Observer) Next(ctx context.Context) (Update, error) {
	for {
		o.p.mu.Lock()
		if o.done {
			o.p.mu.Unlock()
			return Update{}, io.EOF
		}
		if o.pendingLocked() {
			u := o.collectLocked()
			o.p.mu.Unlock()
			return u, nil
		}
		changed := o.p.changed
		o.p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
}

// Close detaches the observer. Subsequent Next calls return io.EOF.
func (o *Observer) Close() {
	o.p.mu.Lock()
	o.done = true
	o.p.mu.Unlock()
}

func (o *Observer) pendingLocked() bool {
	next := o.p.firstSeq + uint64(len(o.p.lines))
	return o.p.snap.Version > o.version || next > o.offset || o.p.finished
}

func (o *Observer) collectLocked() Update {
	p := o.p
	u := Update{Snapshot: p.snap}

	if o.offset < p.firstSeq {
		u.Dropped = int(p.firstSeq - o.offset)
		o.offset = p.firstSeq
	}
	start := int(o.offset - p.firstSeq)
	if start < len(p.lines) {
		u.Lines = append([]string(nil), p.lines[start:]...)
	}
	o.offset = p.firstSeq + uint64(len(p.lines))
	o.version = p.snap.Version

	if p.finished {
		u.Terminal = true
		o.done = true
	}
	return u
}
