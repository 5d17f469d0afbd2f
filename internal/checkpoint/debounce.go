package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
)

// DefaultDebounce is the delay between the last configuration edit and
// the partial save it triggers.
const DefaultDebounce = 2 * time.Second

// Debouncer coalesces bursts of configuration edits into one partial save
// per checkpoint.
type Debouncer struct {
	store  core.CheckpointStore
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSave
}

type pendingSave struct {
	cp    *core.Checkpoint
	timer *time.Timer
}

// NewDebouncer creates a debouncer. A delay of zero saves immediately.
func NewDebouncer(store core.CheckpointStore, delay time.Duration, logger *slog.Logger) *Debouncer {
	return &Debouncer{
		store:   store,
		delay:   delay,
		logger:  orDefault(logger),
		pending: make(map[string]*pendingSave),
	}
}

// Touch schedules a partial save of cp, replacing any save still pending
// for the same checkpoint.
func (d *Debouncer) Touch(cp *core.Checkpoint) error {
	if cp.ID == "" {
		return errors.New("debounced saves need an existing checkpoint id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[cp.ID]; ok {
		p.timer.Stop()
	}
	p := &pendingSave{cp: cp}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(cp.ID, p) })
	d.pending[cp.ID] = p
	return nil
}

// Pending reports whether a save is waiting for id.
func (d *Debouncer) Pending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// Peek returns a copy of the checkpoint waiting to be saved for id.
func (d *Debouncer) Peek(id string) (*core.Checkpoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return nil, false
	}
	cp := *p.cp
	return &cp, true
}

// Cancel drops a pending save, e.g. when the checkpoint is deleted.
func (d *Debouncer) Cancel(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[id]; ok {
		p.timer.Stop()
		delete(d.pending, id)
	}
}

// Flush writes every pending save now. It returns the first error.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	saves := make([]*core.Checkpoint, 0, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		saves = append(saves, p.cp)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	var firstErr error
	for _, cp := range saves {
		if _, err := d.store.Save(ctx, cp, true); err != nil {
			d.logger.Error("flush checkpoint", "checkpoint_id", cp.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Debouncer) fire(id string, p *pendingSave) {
	d.mu.Lock()
	if d.pending[id] != p {
		// Replaced or flushed in the meantime.
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.mu.Unlock()

	if _, err := d.store.Save(context.Background(), p.cp, true); err != nil {
		d.logger.Error("debounced checkpoint save", "checkpoint_id", id, "error", err)
	}
}
