// Package core provides the batch orchestration logic for certificate
// generation and delivery.
//
// This package is the heart of certmailer, containing all domain logic
// independent of any UI or transport layer. It can be driven by the web
// handlers, the certbatch CLI, or tests without modification.
//
// # Architecture
//
// The package is organized around a few key concepts:
//
//   - Orchestrator: owns the single run slot and starts, stops and tracks jobs.
//   - Job: one run of a configured batch over a row source, with per-row outcomes.
//   - Progress: a replace-latest snapshot plus a bounded log shared by observers.
//   - Checkpoints: durable records of a job's configuration and outcomes,
//     persisted after every row so a batch can be resumed.
//
// Collaborators are expressed as small interfaces ([RowSource], [Renderer],
// [Mailer], [CredentialSupplier], [CheckpointStore]) implemented by the
// dataset, render, delivery, credentials and checkpoint packages.
//
// # Run Loop
//
// Rows are processed strictly one at a time, in ascending index order:
//
//  1. The stop flag is checked before each row.
//  2. Generate renders the row's artifact unless a prior success is recorded.
//  3. Send delivers the artifact with bounded retries unless already sent.
//  4. The outcome is recorded, progress published and the checkpoint saved.
//
// Row-level failures never abort a batch. Checkpoint write failures are
// logged and surfaced as a warning on the progress snapshot.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - VAL001-VAL006: Validation errors (placeholders, columns, credentials)
//   - JOB001-JOB003: Job control errors (conflict, not found, stopped)
//   - CKP001-CKP003: Checkpoint errors (not found, persistence, mismatch)
//   - FILE001-FILE004: Dataset and template file errors
//   - SMTP001-SMTP004: Delivery errors
//   - REN001-REN002: Rendering errors
package core
