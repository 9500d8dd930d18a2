// Package logging assembles the structured slog loggers and formatting
// helpers used across lode.
//
// It owns the configurable console/JSON handlers, centralizes level and
// output plumbing, and exposes context-aware helpers so phase code can
// automatically tag log lines with run IDs and phase names. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
//
// The per-run audit log under a run's control plane is a durable pipeline
// artifact with its own line format; it is owned by runstate, not here.
// Prefer these constructors over hand-rolled slog setup so new components
// emit data with the same shape as the rest of the system.
package logging
