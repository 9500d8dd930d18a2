// Package replay is the idempotent finalize phase. It recomputes content
// signatures over the verbatim prewarm streams and freezes them alongside
// row counts; any later re-run recomputes and compares. Signature drift
// means the cache changed after publication and is a hard stop, never a
// silent repair.
package replay

import (
	"context"
	"fmt"
	"os"

	"lode/internal/jsonutil"
	"lode/internal/normalize"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// Signatures freezes the prewarm stream digests for a run.
type Signatures struct {
	RunID           string `json:"run_id"`
	PageTextSHA     string `json:"page_text_sha256"`
	UnitSlicesSHA   string `json:"unit_slices_sha256"`
	AnchorLinksSHA  string `json:"anchor_links_sha256"`
	PageCount       int    `json:"page_count"`
	UnitSliceCount  int    `json:"unit_slice_count"`
	AnchorLinkCount int    `json:"anchor_link_count"`
}

// SignaturesPath locates the frozen signature set.
func SignaturesPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseReplay, "signatures.json")
}

// SummaryPath locates the control-plane replay summary.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseReplay, "replay-summary.json")
}

// FinalizeMarker locates the idempotent finalize marker.
func FinalizeMarker(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseReplay, "finalize.done")
}

// Stage implements the replay phase.
type Stage struct{}

// NewStage constructs the replay handler.
func NewStage() *Stage { return &Stage{} }

func (s *Stage) Name() string { return runstate.PhaseReplay }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	for _, path := range []string{
		run.Paths.PageTextFile(),
		run.Paths.UnitSlicesFile(),
		run.Paths.AnchorTextLinksFile(),
	} {
		if _, err := os.Stat(path); err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "prepare", path, err)
		}
	}
	return nil
}

// Compute derives the current signature set from the prewarm streams. The
// digest covers each stream's parsed rows in canonical JSON, so formatting
// differences never register as drift.
func Compute(paths runpaths.Paths, runID string) (*Signatures, error) {
	sigs := &Signatures{RunID: runID}
	type streamTarget struct {
		path  string
		sha   *string
		count *int
	}
	targets := []streamTarget{
		{paths.PageTextFile(), &sigs.PageTextSHA, &sigs.PageCount},
		{paths.UnitSlicesFile(), &sigs.UnitSlicesSHA, &sigs.UnitSliceCount},
		{paths.AnchorTextLinksFile(), &sigs.AnchorLinksSHA, &sigs.AnchorLinkCount},
	}
	for _, target := range targets {
		rows, err := jsonutil.ReadRecords(target.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", target.path, err)
		}
		sum, err := jsonutil.Checksum(rows)
		if err != nil {
			return nil, err
		}
		*target.sha = sum
		*target.count = len(rows)
	}
	return sigs, nil
}

func (s *Stage) Execute(_ context.Context, run *runstate.Run) error {
	current, err := Compute(run.Paths, run.ID)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "signatures", "", err)
	}

	mismatches := 0
	var frozen Signatures
	frozenErr := jsonutil.ReadJSON(SignaturesPath(run.Paths), &frozen)
	switch {
	case frozenErr == nil:
		if frozen.PageTextSHA != current.PageTextSHA {
			mismatches++
		}
		if frozen.UnitSlicesSHA != current.UnitSlicesSHA {
			mismatches++
		}
		if frozen.AnchorLinksSHA != current.AnchorLinksSHA {
			mismatches++
		}
		if mismatches > 0 {
			return services.Wrap(services.ErrStopCondition, s.Name(), "signatures",
				fmt.Sprintf("%d stream signatures drifted since finalize", mismatches), nil)
		}
	case os.IsNotExist(frozenErr):
		if err := run.Writer.WriteJSON(SignaturesPath(run.Paths), current); err != nil {
			return err
		}
		run.RecordOutput(SignaturesPath(run.Paths))
	default:
		return services.Wrap(services.ErrValidation, s.Name(), "signatures", "", frozenErr)
	}
	if err := run.Checklist.Mark("CB_REPLAY_SIGNATURES_WRITTEN"); err != nil {
		return err
	}

	linkRowCount, err := jsonutil.CountRecords(run.Paths.UnitTextLinksFile())
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "counts", "unit links", err)
	}
	unitCount, err := jsonutil.CountRecords(normalize.UnitsPath(run.Paths))
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "counts", "normalized units", err)
	}
	if linkRowCount != unitCount {
		return services.Wrap(services.ErrStopCondition, s.Name(), "counts",
			fmt.Sprintf("unit link rows %d != units %d", linkRowCount, unitCount), nil)
	}
	if err := run.Checklist.Mark("CB_REPLAY_COUNTS_MATCHED"); err != nil {
		return err
	}

	summary := map[string]any{
		"run_id":            run.ID,
		"timestamp_utc":     jsonutil.NowStamp(),
		"page_count":        current.PageCount,
		"unit_slice_count":  current.UnitSliceCount,
		"anchor_link_count": current.AnchorLinkCount,
		"mismatch_count":    mismatches,
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))

	marker := map[string]any{
		"run_id":        run.ID,
		"timestamp_utc": jsonutil.NowStamp(),
	}
	if err := run.Writer.WriteJSON(FinalizeMarker(run.Paths), marker); err != nil {
		return err
	}
	run.RecordOutput(FinalizeMarker(run.Paths))
	return run.Checklist.Mark("CB_REPLAY_SUMMARY_WRITTEN")
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	var frozen Signatures
	if err := jsonutil.ReadJSON(SignaturesPath(run.Paths), &frozen); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	current, err := Compute(run.Paths, run.ID)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	if frozen.PageTextSHA != current.PageTextSHA ||
		frozen.UnitSlicesSHA != current.UnitSlicesSHA ||
		frozen.AnchorLinksSHA != current.AnchorLinksSHA {
		return services.Wrap(services.ErrStopCondition, s.Name(), "verify",
			"stream signature drift", nil)
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(runstate.PhaseReplay)
}
