package runstate

import (
	"fmt"
	"os"
	"sort"

	"lode/internal/jsonutil"
	"lode/internal/runpaths"
)

// Checkpoint is the durable completion record of one phase. The checksum is
// the SHA-256 of the record's canonical JSON computed with the checksum
// field absent, so a torn or edited checkpoint is detectable on resume.
type Checkpoint struct {
	RunID             string            `json:"run_id"`
	Phase             string            `json:"phase"`
	InputHashes       map[string]string `json:"input_hashes"`
	Outputs           []string          `json:"outputs"`
	TimestampUTC      string            `json:"timestamp_utc"`
	CanonicalChecksum string            `json:"canonical_checksum"`
}

type checkpointPayload struct {
	RunID       string            `json:"run_id"`
	Phase       string            `json:"phase"`
	InputHashes map[string]string `json:"input_hashes"`
	Outputs     []string          `json:"outputs"`
}

// WriteCheckpoint persists the completion record for phase.
func WriteCheckpoint(w *Writer, paths runpaths.Paths, runID, phase string, inputHashes map[string]string, outputs []string) (Checkpoint, error) {
	if inputHashes == nil {
		inputHashes = map[string]string{}
	}
	sorted := append([]string(nil), outputs...)
	sort.Strings(sorted)

	payload := checkpointPayload{
		RunID:       runID,
		Phase:       phase,
		InputHashes: inputHashes,
		Outputs:     sorted,
	}
	checksum, err := jsonutil.Checksum(payload)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint checksum: %w", err)
	}
	record := Checkpoint{
		RunID:             runID,
		Phase:             phase,
		InputHashes:       inputHashes,
		Outputs:           sorted,
		TimestampUTC:      jsonutil.NowStamp(),
		CanonicalChecksum: checksum,
	}
	if err := w.WriteJSON(paths.CheckpointFile(phase), record); err != nil {
		return Checkpoint{}, err
	}
	return record, nil
}

// ReadCheckpoint loads and validates the checkpoint for phase. A missing
// file returns ok=false without error; a checksum mismatch is an error.
func ReadCheckpoint(paths runpaths.Paths, phase string) (Checkpoint, bool, error) {
	var record Checkpoint
	err := jsonutil.ReadJSON(paths.CheckpointFile(phase), &record)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	expected, err := jsonutil.Checksum(checkpointPayload{
		RunID:       record.RunID,
		Phase:       record.Phase,
		InputHashes: record.InputHashes,
		Outputs:     record.Outputs,
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	if expected != record.CanonicalChecksum {
		return Checkpoint{}, false, fmt.Errorf("checkpoint %s: checksum mismatch", paths.CheckpointFile(phase))
	}
	return record, true, nil
}
