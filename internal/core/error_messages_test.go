package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
		wantDetail  string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "unmapped placeholders list the names",
			err:         &ValidationError{Reason: "unmapped placeholders", Unmapped: []string{"event", "name"}},
			wantCode:    "VAL001",
			wantMessage: "Some placeholders have no column assigned",
			wantDetail:  "event, name",
		},
		{
			name:        "missing recipient column",
			err:         &ValidationError{Reason: "no recipient column selected"},
			wantCode:    "VAL002",
			wantMessage: "No recipient column selected",
			wantDetail:  "no recipient column selected",
		},
		{
			name:        "other validation error falls back to VAL006",
			err:         &ValidationError{Reason: "unknown mode \"print\""},
			wantCode:    "VAL006",
			wantMessage: "The batch settings are incomplete",
			wantDetail:  "unknown mode \"print\"",
		},
		{
			name:        "conflict maps to JOB001",
			err:         &ConflictError{ActiveJobID: "abc"},
			wantCode:    "JOB001",
			wantMessage: "Another batch is already running",
		},
		{
			name:        "wrapped already stopped",
			err:         fmt.Errorf("stop: %w", ErrAlreadyStopped),
			wantCode:    "JOB003",
			wantMessage: "The batch has already finished",
		},
		{
			name:        "checkpoint not found",
			err:         &NotFoundError{Kind: "checkpoint", ID: "x1"},
			wantCode:    "CKP001",
			wantMessage: "The checkpoint does not exist",
			wantDetail:  "x1",
		},
		{
			name:        "job not found",
			err:         &NotFoundError{Kind: "job", ID: "j1"},
			wantCode:    "JOB002",
			wantMessage: "The batch is no longer tracked",
			wantDetail:  "j1",
		},
		{
			name:        "dataset not found",
			err:         &NotFoundError{Kind: "dataset", ID: "d1"},
			wantCode:    "FILE005",
			wantMessage: "The data file is no longer available",
			wantDetail:  "d1",
		},
		{
			name:        "persistence error",
			err:         &PersistenceError{Op: "save", Err: errors.New("disk full")},
			wantCode:    "CKP002",
			wantMessage: "Progress could not be saved",
		},
		{
			name:        "smtp auth pattern",
			err:         errors.New("535 5.7.8 Authentication failed"),
			wantCode:    "SMTP001",
			wantMessage: "The mail server rejected the credentials",
		},
		{
			name:        "delivery error pattern",
			err:         &DeliveryError{Reason: "mailbox unavailable"},
			wantCode:    "SMTP004",
			wantMessage: "The message could not be delivered",
		},
		{
			name:        "render error pattern",
			err:         &RenderError{Reason: "converter exited with status 1"},
			wantCode:    "REN002",
			wantMessage: "The certificate could not be produced",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("INVALID CSV: bare quote"),
			wantCode:    "FILE002",
			wantMessage: "File is not a valid CSV",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
			if got.Detail != tt.wantDetail {
				t.Errorf("MapError() detail = %q, want %q", got.Detail, tt.wantDetail)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(&ConflictError{ActiveJobID: "abc"})

	expected := "Another batch is already running (Code: JOB001). Wait for it to finish or stop it first"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", errors.New("empty file"), true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable delivery error", &DeliveryError{Reason: "timeout", Retryable: true}, true},
		{"permanent delivery error", &DeliveryError{Reason: "bad address"}, false},
		{"wrapped permanent", fmt.Errorf("attempt 1: %w", &DeliveryError{Reason: "auth"}), false},
		{"unclassified error", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
