package core

// run_slot.go enforces the one-active-job-per-process rule.
//
// The slot is a semaphore of capacity one. Start claims it without waiting
// and fails with *ConflictError when it is held. The run goroutine releases
// it after the terminal snapshot. WaitForDrain supports graceful shutdown.

import (
	"context"
	"sync"
	"time"
)

// RunSlot guards the single active job.
type RunSlot struct {
	semaphore chan struct{}

	mu    sync.RWMutex
	owner string
}

// NewRunSlot creates an empty slot.
func NewRunSlot() *RunSlot {
	return &RunSlot{semaphore: make(chan struct{}, 1)}
}

// TryAcquire claims the slot for jobID without blocking. On failure it
// returns a *ConflictError naming the current owner.
func (s *RunSlot) TryAcquire(jobID string) error {
	select {
	case s.semaphore <- struct{}{}:
		s.mu.Lock()
		s.owner = jobID
		s.mu.Unlock()
		return nil
	default:
		return &ConflictError{ActiveJobID: s.Owner()}
	}
}

// Release frees the slot. Must be called exactly once per successful
// TryAcquire.
func (s *RunSlot) Release() {
	s.mu.Lock()
	s.owner = ""
	s.mu.Unlock()

	<-s.semaphore
}

// Owner returns the id of the job holding the slot, or "".
func (s *RunSlot) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Busy reports whether a job holds the slot.
func (s *RunSlot) Busy() bool {
	return len(s.semaphore) > 0
}

// WaitForDrain blocks until the slot is free or ctx is cancelled.
func (s *RunSlot) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !s.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
