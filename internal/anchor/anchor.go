// Package anchor assigns stable citation identities to normalized units. An
// anchor id is derived from the unit's structural position, never its text,
// so re-running the pipeline over the same source yields the same ids. The
// verbatim slice lineage behind each anchor goes to the prewarm cache's
// append-only link stream.
package anchor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lode/internal/ingest"
	"lode/internal/jsonutil"
	"lode/internal/normalize"
	"lode/internal/prewarm"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// PreviewShardSize caps rows per control-plane preview shard.
const PreviewShardSize = 250

// AnchoredUnit is a normalized unit with its citation identity attached.
type AnchoredUnit struct {
	AnchorID string `json:"anchor_id"`
	normalize.Unit
}

// UnitsPath locates the control-plane anchored unit log.
func UnitsPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseAnchor, "anchored-units.jsonl")
}

// SummaryPath locates the control-plane anchor summary.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseAnchor, "anchor-summary.json")
}

func previewShardPath(paths runpaths.Paths, shard int) string {
	return paths.ControlArtifact(runstate.PhaseAnchor, fmt.Sprintf("preview-%04d.jsonl", shard))
}

// LoadUnits reads the anchored units back for the publish phase.
func LoadUnits(paths runpaths.Paths) ([]AnchoredUnit, error) {
	rows, err := jsonutil.ReadRecords(UnitsPath(paths))
	if err != nil {
		return nil, fmt.Errorf("anchored units: %w", err)
	}
	units := make([]AnchoredUnit, 0, len(rows))
	for i, row := range rows {
		var unit AnchoredUnit
		if err := remarshal(row, &unit); err != nil {
			return nil, fmt.Errorf("anchored units row %d: %w", i+1, err)
		}
		units = append(units, unit)
	}
	return units, nil
}

// ID derives the stable anchor identity for a unit's structural position.
func ID(standardID string, unit normalize.Unit) string {
	loc := unit.SourceLocator
	basis := fmt.Sprintf("%s|%s|%d|%s|%s",
		loc.Part, loc.Clause, loc.PageStart, unit.UnitType, unit.UnitID)
	return fmt.Sprintf("%s:%s:%s",
		standardID, strings.ToLower(loc.Part), prewarm.TextSHA256(basis)[:16])
}

// Stage implements the anchor phase.
type Stage struct{}

// NewStage constructs the anchor handler.
func NewStage() *Stage { return &Stage{} }

func (s *Stage) Name() string { return runstate.PhaseAnchor }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if _, err := normalize.LoadUnits(run.Paths); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare", "", err)
	}
	return nil
}

func (s *Stage) Execute(_ context.Context, run *runstate.Run) error {
	ingestSummary, err := ingest.LoadSummary(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	units, err := normalize.LoadUnits(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	store := prewarm.NewStore(run.Paths, run.Writer)
	slices, err := store.ReadUnitSlices()
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "unit slices", err)
	}
	slicesByUnit := make(map[string][]prewarm.UnitSlice)
	for _, slice := range slices {
		slicesByUnit[slice.UnitID] = append(slicesByUnit[slice.UnitID], slice)
	}

	anchored := make([]AnchoredUnit, 0, len(units))
	for _, unit := range units {
		anchored = append(anchored, AnchoredUnit{
			AnchorID: ID(ingestSummary.StandardID, unit),
			Unit:     unit,
		})
	}
	sort.Slice(anchored, func(i, j int) bool {
		a, b := anchored[i], anchored[j]
		if a.SourceLocator.Part != b.SourceLocator.Part {
			return a.SourceLocator.Part < b.SourceLocator.Part
		}
		if a.SourceLocator.PageStart != b.SourceLocator.PageStart {
			return a.SourceLocator.PageStart < b.SourceLocator.PageStart
		}
		return a.UnitID < b.UnitID
	})

	rows := make([]any, 0, len(anchored))
	for _, unit := range anchored {
		rows = append(rows, unit)
	}
	if err := run.Writer.WriteRecords(UnitsPath(run.Paths), rows); err != nil {
		return err
	}
	run.RecordOutput(UnitsPath(run.Paths))
	for shard := 0; shard*PreviewShardSize < len(rows); shard++ {
		end := (shard + 1) * PreviewShardSize
		if end > len(rows) {
			end = len(rows)
		}
		path := previewShardPath(run.Paths, shard)
		if err := run.Writer.WriteRecords(path, rows[shard*PreviewShardSize:end]); err != nil {
			return err
		}
		run.RecordOutput(path)
	}
	if err := run.Checklist.Mark("CB_ANCHOR_IDS_WRITTEN"); err != nil {
		return err
	}

	seen := make(map[string]string, len(anchored))
	for _, unit := range anchored {
		if prior, dup := seen[unit.AnchorID]; dup {
			return services.Wrap(services.ErrStopCondition, s.Name(), "dedup",
				fmt.Sprintf("anchor %s assigned to both %s and %s", unit.AnchorID, prior, unit.UnitID), nil)
		}
		seen[unit.AnchorID] = unit.UnitID
	}
	if err := run.Checklist.Mark("CB_ANCHOR_DEDUP_CHECK_PASS"); err != nil {
		return err
	}

	// Rebuild the append-only link stream from scratch so a re-run after a
	// partial write never duplicates records.
	if err := store.ResetAnchorLinks(); err != nil {
		return err
	}
	anchors := make(map[string]any, len(anchored))
	partCounts := make(map[string]int)
	for i, unit := range anchored {
		var sliceIDs, hashes []string
		for _, slice := range slicesByUnit[unit.UnitID] {
			sliceIDs = append(sliceIDs, slice.SliceID)
			hashes = append(hashes, slice.TextSHA256)
		}
		link := prewarm.AnchorTextLink{
			AnchorID:      unit.AnchorID,
			UnitID:        unit.UnitID,
			Part:          unit.SourceLocator.Part,
			UnitType:      unit.UnitType,
			SliceIDs:      sliceIDs,
			TextSHA256Set: hashes,
		}
		if err := store.AppendAnchorLink(link); err != nil {
			return err
		}
		anchors[unit.AnchorID] = map[string]any{
			"row":         i,
			"unit_id":     unit.UnitID,
			"slice_count": len(sliceIDs),
		}
		partCounts[unit.SourceLocator.Part]++
	}
	index := map[string]any{
		"anchors":     anchors,
		"part_counts": partCounts,
	}
	if err := store.WriteAnchorLinkIndex(index); err != nil {
		return err
	}
	run.RecordOutput(run.Paths.AnchorTextLinksFile())
	run.RecordOutput(run.Paths.AnchorLinkIndexFile())
	if err := run.Checklist.Mark("CB_ANCHOR_LINKS_WRITTEN"); err != nil {
		return err
	}

	summary := map[string]any{
		"run_id":        run.ID,
		"timestamp_utc": jsonutil.NowStamp(),
		"anchor_count":  len(anchored),
		"link_count":    len(anchored),
		"shard_count":   (len(anchored) + PreviewShardSize - 1) / PreviewShardSize,
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))
	return run.Checklist.Mark("CB_ANCHOR_SUMMARY_WRITTEN")
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	units, err := LoadUnits(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	linkCount, err := jsonutil.CountRecords(run.Paths.AnchorTextLinksFile())
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "anchor links unreadable", err)
	}
	if linkCount != len(units) {
		return services.Wrap(services.ErrStopCondition, s.Name(), "verify",
			fmt.Sprintf("anchor link rows %d != anchored units %d", linkCount, len(units)), nil)
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(runstate.PhaseAnchor)
}
