package runstate

import (
	"fmt"
	"os"
	"path/filepath"

	"lode/internal/jsonutil"
)

// RunLog is the append-only audit log of a run. Lines are prefixed with the
// UTC timestamp so lock events and phase transitions remain ordered evidence
// even across process restarts.
type RunLog struct {
	path   string
	writer *Writer
}

// NewRunLog binds a run log to its file.
func NewRunLog(w *Writer, path string) *RunLog {
	return &RunLog{path: path, writer: w}
}

// Path returns the log file location.
func (l *RunLog) Path() string { return l.path }

// Append writes one timestamped line. Suppressed in dry runs.
func (l *RunLog) Append(format string, args ...any) error {
	if l.writer.DryRun() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", jsonutil.NowStamp(), fmt.Sprintf(format, args...))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}
