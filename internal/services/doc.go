// Package services defines shared utilities consumed by the pipeline phase
// handlers and external tool integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs and phase names for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent operator-facing exit codes (lock contention, stop
//     conditions, publish inconsistency, query contract violations).
//   - The Executor abstraction that makes command execution against external
//     tools (poppler, tesseract) testable without the binaries installed.
//
// Use these helpers when wiring new phase logic so operational behaviour
// (error handling, observability) stays uniform across the pipeline.
package services
