// Package core provides the batch orchestration logic for certificate
// generation and delivery.
//
// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// When users encounter errors, they can quote the error code to support staff
// for faster diagnosis.
//
// Typed errors are matched first (errors.As), then the message text is
// matched against the pattern table below.
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Unmapped placeholders: Some placeholders have no column assigned
//	         Action: Map every {{placeholder}} to a column
//	         Matches: *ValidationError with Unmapped set
//
//	VAL002 - Recipient column: No recipient column selected
//	         Action: Choose the column that holds email addresses
//	         Patterns: "recipient column"
//
//	VAL003 - No credentials: Sender credentials are not configured
//	         Action: Save the sender address and app password first
//	         Patterns: "no sender credentials"
//
//	VAL004 - Empty dataset: No rows to process
//	         Action: Import a CSV file with at least one data row
//	         Patterns: "no rows"
//
//	VAL005 - Unknown column: A mapping points at a missing column
//	         Action: Re-import the data or update the mapping
//	         Patterns: "unknown column"
//
//	VAL006 - Invalid settings: The batch settings are incomplete
//	         Action: Review the batch settings and try again
//	         Matches: any other *ValidationError
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Batch running: Another batch is already running
//	         Action: Wait for it to finish or stop it first
//	         Matches: ErrConflict
//
//	JOB002 - Job not found: The batch is no longer tracked
//	         Action: Start a new batch or resume from its checkpoint
//	         Matches: *NotFoundError of kind "job"
//
//	JOB003 - Already stopped: The batch has already finished
//	         Action: No action needed
//	         Matches: ErrAlreadyStopped
//
// # Checkpoint Errors (CKP001-CKP099)
//
//	CKP001 - Checkpoint not found: The checkpoint does not exist
//	         Action: Pick another checkpoint from the list
//	         Matches: *NotFoundError of kind "checkpoint"
//
//	CKP002 - Save failed: Progress could not be saved
//	         Action: Check disk space or the storage backend, then resume
//	         Matches: *PersistenceError
//
//	CKP003 - Row count mismatch: The checkpoint belongs to different data
//	         Action: Import the data file the checkpoint was created with
//	         Patterns: "checkpoint was saved for"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large: File exceeds maximum size limit
//	FILE002 - Invalid CSV: File is not a valid CSV
//	FILE003 - No file: No file was selected
//	FILE004 - Empty file: The uploaded file has no data rows
//	FILE005 - Dataset gone: The data file is no longer available
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Bad request: The request could not be read
//
// # Delivery Errors (SMTP001-SMTP099)
//
//	SMTP001 - Login failed: The mail server rejected the credentials
//	SMTP002 - Connection failed: Unable to reach the mail server
//	SMTP003 - Invalid address: A recipient address was rejected
//	SMTP004 - Delivery failed: The message could not be delivered
//
// # Render Errors (REN001-REN099)
//
//	REN001 - Template missing: The template file could not be read
//	REN002 - Render failed: The certificate could not be produced
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or contact support
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
	Detail  string // Specifics such as the unmapped placeholder names
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// The first matching pattern wins, so more specific patterns come first.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Validation (VAL)
	// =========================================================================
	{
		pattern: "recipient column",
		msg: UserMessage{
			Message: "No recipient column selected",
			Action:  "Choose the column that holds email addresses",
			Code:    "VAL002",
		},
	},
	{
		pattern: "no sender credentials",
		msg: UserMessage{
			Message: "Sender credentials are not configured",
			Action:  "Save the sender address and app password first",
			Code:    "VAL003",
		},
	},
	{
		pattern: "no rows",
		msg: UserMessage{
			Message: "No rows to process",
			Action:  "Import a CSV file with at least one data row",
			Code:    "VAL004",
		},
	},
	{
		pattern: "unknown column",
		msg: UserMessage{
			Message: "A mapping points at a column that does not exist",
			Action:  "Re-import the data or update the mapping",
			Code:    "VAL005",
		},
	},

	// =========================================================================
	// Checkpoints (CKP)
	// =========================================================================
	{
		pattern: "checkpoint was saved for",
		msg: UserMessage{
			Message: "The checkpoint belongs to a different data file",
			Action:  "Import the data file the checkpoint was created with",
			Code:    "CKP003",
		},
	},

	// =========================================================================
	// Files (FILE)
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "invalid csv",
		msg: UserMessage{
			Message: "File is not a valid CSV",
			Action:  "Ensure file is comma-separated with a header row",
			Code:    "FILE002",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a file to upload",
			Code:    "FILE003",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file has no data rows",
			Action:  "Please upload a CSV file with data rows",
			Code:    "FILE004",
		},
	},

	{
		pattern: "bad request",
		msg: UserMessage{
			Message: "The request could not be read",
			Action:  "Check the request body and try again",
			Code:    "REQ001",
		},
	},

	// =========================================================================
	// Delivery (SMTP)
	// These usually come from connection tests or the first send of a batch.
	// =========================================================================
	{
		pattern: "authentication failed",
		msg: UserMessage{
			Message: "The mail server rejected the credentials",
			Action:  "Check the sender address and use an app password",
			Code:    "SMTP001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to reach the mail server",
			Action:  "Check the SMTP host and port, then try again",
			Code:    "SMTP002",
		},
	},
	{
		pattern: "invalid address",
		msg: UserMessage{
			Message: "A recipient address was rejected",
			Action:  "Fix the address in the data file and resend failed rows",
			Code:    "SMTP003",
		},
	},
	{
		pattern: "delivery:",
		msg: UserMessage{
			Message: "The message could not be delivered",
			Action:  "Download failed rows and retry with a send-only run",
			Code:    "SMTP004",
		},
	},

	// =========================================================================
	// Rendering (REN)
	// =========================================================================
	{
		pattern: "template not found",
		msg: UserMessage{
			Message: "The template file could not be read",
			Action:  "Upload the template again",
			Code:    "REN001",
		},
	},
	{
		pattern: "render:",
		msg: UserMessage{
			Message: "The certificate could not be produced",
			Action:  "Check the template and the converter settings",
			Code:    "REN002",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	_, err := orch.Start(ctx, rows, cfg)
//	msg := MapError(err)
//	// msg.Code == "VAL001", msg.Detail == "event"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if msg, ok := mapTypedError(err); ok {
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

func mapTypedError(err error) (UserMessage, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		if len(ve.Unmapped) > 0 {
			return UserMessage{
				Message: "Some placeholders have no column assigned",
				Action:  "Map every {{placeholder}} to a column",
				Code:    "VAL001",
				Detail:  strings.Join(ve.Unmapped, ", "),
			}, true
		}
		reason := strings.ToLower(ve.Reason)
		for _, ep := range errorPatterns {
			if strings.HasPrefix(ep.msg.Code, "VAL") || strings.HasPrefix(ep.msg.Code, "CKP") {
				if strings.Contains(reason, ep.pattern) {
					msg := ep.msg
					msg.Detail = ve.Reason
					return msg, true
				}
			}
		}
		return UserMessage{
			Message: "The batch settings are incomplete",
			Action:  "Review the batch settings and try again",
			Code:    "VAL006",
			Detail:  ve.Reason,
		}, true
	}

	if errors.Is(err, ErrConflict) {
		return UserMessage{
			Message: "Another batch is already running",
			Action:  "Wait for it to finish or stop it first",
			Code:    "JOB001",
		}, true
	}

	if errors.Is(err, ErrAlreadyStopped) {
		return UserMessage{
			Message: "The batch has already finished",
			Action:  "No action needed",
			Code:    "JOB003",
		}, true
	}

	var nf *NotFoundError
	if errors.As(err, &nf) {
		if nf.Kind == "checkpoint" {
			return UserMessage{
				Message: "The checkpoint does not exist",
				Action:  "Pick another checkpoint from the list",
				Code:    "CKP001",
				Detail:  nf.ID,
			}, true
		}
		if nf.Kind == "dataset" {
			return UserMessage{
				Message: "The data file is no longer available",
				Action:  "Upload the data file again",
				Code:    "FILE005",
				Detail:  nf.ID,
			}, true
		}
		return UserMessage{
			Message: "The batch is no longer tracked",
			Action:  "Start a new batch or resume from its checkpoint",
			Code:    "JOB002",
			Detail:  nf.ID,
		}, true
	}

	var pe *PersistenceError
	if errors.As(err, &pe) {
		return UserMessage{
			Message: "Progress could not be saved",
			Action:  "Check disk space or the storage backend, then resume",
			Code:    "CKP002",
		}, true
	}

	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether an error maps to a specific message rather
// than the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
