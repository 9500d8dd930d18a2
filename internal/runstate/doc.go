// Package runstate owns the durable control-plane state of a mining run:
// the env-file state and checklist records, the append-only run log, and the
// per-phase checkpoint files. Everything here is file-based so a resumed
// process can reconstruct exactly where the previous one stopped.
//
// State lives in two shell-style env files under <control>/state: the run
// state (immutable run keys, current phase, per-phase done flags) and the
// checklist (per-phase CB_* items that must all be 1 before a phase may be
// marked done). Both are rewritten atomically with sorted keys so diffs stay
// reviewable. Immutable keys that change value between loads indicate an
// operator edited state by hand or two runs collided; that is surfaced as
// services.ErrContractDrift and never repaired silently.
//
// The Writer type is the single mutation gate for dry runs: every phase
// handler writes artifacts through it, and in dry-run mode it computes but
// persists nothing while keeping the log/summary shape identical.
package runstate
