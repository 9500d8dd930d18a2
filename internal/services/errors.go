package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockHeld reports a live competing lock holder. Operators must stop;
	// acquisition is never retried automatically.
	ErrLockHeld = errors.New("lock held")
	// ErrStaleLock tags lock records that were reclaimed from a dead holder.
	ErrStaleLock = errors.New("stale lock")
	// ErrExtractionHardFail reports a page that failed primary gates and
	// whose OCR fallback also missed every quality band.
	ErrExtractionHardFail = errors.New("extraction hard fail")
	// ErrPublishInconsistency reports a begin/commit checksum mismatch.
	ErrPublishInconsistency = errors.New("publish inconsistency")
	// ErrQueryContract reports a query output-shape violation; such output
	// is withheld entirely rather than degraded.
	ErrQueryContract = errors.New("query contract violation")
	// ErrStopCondition reports filesystem state the reconciler refuses to
	// repair silently (row-count drift, open integration windows).
	ErrStopCondition = errors.New("stop condition")
	// ErrContractDrift reports an immutable run-state key that changed
	// between loads.
	ErrContractDrift = errors.New("contract drift")

	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes phase context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, phase, operation, message string, err error) error {
	detail := buildDetail(phase, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ExitCode maps an error to the process exit code the CLI should report.
// Zero means success; every hard gate maps to a distinct non-zero code so
// operators can script against contention versus gate failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return 2
	case errors.Is(err, ErrLockHeld):
		return 3
	case errors.Is(err, ErrStopCondition), errors.Is(err, ErrContractDrift):
		return 4
	case errors.Is(err, ErrPublishInconsistency):
		return 5
	case errors.Is(err, ErrQueryContract):
		return 6
	case errors.Is(err, ErrExtractionHardFail):
		return 7
	default:
		return 1
	}
}

func buildDetail(phase, operation, message string) string {
	parts := make([]string, 0, 3)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
