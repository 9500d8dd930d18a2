package runstate

import (
	"lode/internal/jsonutil"
)

// Writer is the mutation gate every phase handler persists artifacts
// through. In dry-run mode all writes are computed and then discarded, so
// decision logic and log shape match a real run exactly.
type Writer struct {
	dry bool
}

// NewWriter constructs a writer; dry suppresses every mutation.
func NewWriter(dry bool) *Writer { return &Writer{dry: dry} }

// DryRun reports whether mutation is suppressed.
func (w *Writer) DryRun() bool { return w == nil || w.dry }

// WriteJSON atomically writes indented JSON unless dry.
func (w *Writer) WriteJSON(path string, v any) error {
	if w.DryRun() {
		_, err := jsonutil.Canonical(v)
		return err
	}
	return jsonutil.WriteJSON(path, v)
}

// WriteBytes atomically writes raw bytes unless dry.
func (w *Writer) WriteBytes(path string, data []byte) error {
	if w.DryRun() {
		return nil
	}
	return jsonutil.WriteBytes(path, data)
}

// WriteRecords atomically replaces a JSONL file unless dry.
func (w *Writer) WriteRecords(path string, rows []any) error {
	if w.DryRun() {
		for _, row := range rows {
			if _, err := jsonutil.Canonical(row); err != nil {
				return err
			}
		}
		return nil
	}
	return jsonutil.WriteRecords(path, rows)
}

// AppendRecord appends one JSONL row with record-boundary semantics unless
// dry.
func (w *Writer) AppendRecord(path string, v any) error {
	if w.DryRun() {
		_, err := jsonutil.Canonical(v)
		return err
	}
	return jsonutil.AppendRecord(path, v)
}
