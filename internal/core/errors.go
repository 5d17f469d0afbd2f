package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned by Start while another job holds the run slot.
	ErrConflict = errors.New("a batch is already running")

	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyStopped is returned when stopping a job that already finished.
	ErrAlreadyStopped = errors.New("job already stopped")

	// ErrNoCredentials is returned by credential suppliers with nothing configured.
	ErrNoCredentials = errors.New("no sender credentials configured")
)

// ValidationError reports the first unmet precondition of Start.
type ValidationError struct {
	Reason   string
	Unmapped []string
}

func (e *ValidationError) Error() string {
	if len(e.Unmapped) > 0 {
		return fmt.Sprintf("validation: %s: %s", e.Reason, strings.Join(e.Unmapped, ", "))
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RenderError is a failure to produce an artifact for a row.
type RenderError struct {
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render: %s: %v", e.Reason, e.Err)
	}
	return "render: " + e.Reason
}

func (e *RenderError) Unwrap() error { return e.Err }

// DeliveryError is a failure to deliver a message. Retryable marks
// transient conditions such as timeouts or temporary SMTP replies.
type DeliveryError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery: %s: %v", e.Reason, e.Err)
	}
	return "delivery: " + e.Reason
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ConflictError is returned when a job is already active.
type ConflictError struct {
	ActiveJobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (job %s)", ErrConflict.Error(), e.ActiveJobID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports an unknown job or checkpoint id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PersistenceError is a checkpoint store failure. It never aborts a run.
type PersistenceError struct {
	Op           string
	CheckpointID string
	Err          error
}

func (e *PersistenceError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.CheckpointID, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether a delivery failure is worth another attempt.
// Errors that are not *DeliveryError are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
