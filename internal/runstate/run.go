package runstate

import (
	"log/slog"
	"sort"

	"lode/internal/policy"
	"lode/internal/runpaths"
)

// Run carries everything a phase handler needs: identity, layout, durable
// state, policies, and the dry-run-aware writer. One Run value lives for the
// whole controller invocation; phase output bookkeeping resets per phase.
type Run struct {
	ID    string
	Mode  string
	Paths runpaths.Paths

	State     *State
	Checklist *Checklist
	Log       *RunLog
	Writer    *Writer
	Logger    *slog.Logger

	PDFSet           *policy.PDFSet
	RelevantPolicy   *policy.RelevantPolicy
	ExtractionPolicy *policy.ExtractionPolicy

	SourcePDFSetPath string
	LockSourceHashes bool

	outputs     []string
	inputHashes map[string]string
}

// RecordOutput notes an artifact produced by the current phase; the
// controller folds it into the phase checkpoint.
func (r *Run) RecordOutput(path string) {
	r.outputs = append(r.outputs, path)
}

// RecordInputHash notes a content hash consumed by the current phase.
func (r *Run) RecordInputHash(key, sha string) {
	if r.inputHashes == nil {
		r.inputHashes = make(map[string]string)
	}
	r.inputHashes[key] = sha
}

// TakePhaseResults returns and clears the accumulated outputs and input
// hashes.
func (r *Run) TakePhaseResults() ([]string, map[string]string) {
	outputs := r.outputs
	hashes := r.inputHashes
	r.outputs = nil
	r.inputHashes = nil
	sort.Strings(outputs)
	if hashes == nil {
		hashes = map[string]string{}
	}
	return outputs, hashes
}

// RequiredParts returns the relevance policy's required parts.
func (r *Run) RequiredParts() []string {
	if r.RelevantPolicy == nil {
		return nil
	}
	return r.RelevantPolicy.RequiredParts
}

// PartRequired reports whether part carries the hard quality gate.
func (r *Run) PartRequired(part string) bool {
	for _, required := range r.RequiredParts() {
		if required == part {
			return true
		}
	}
	return false
}
