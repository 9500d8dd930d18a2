package normalize

import (
	"context"
	"errors"
	"testing"

	"lode/internal/config"
	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/testsupport"
)

func seedRun(t *testing.T) (*runstate.Run, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	testsupport.WritePDFSet(t, cfg, "ISO-99999", "2026", "Part1")
	testsupport.WriteRelevantPolicy(t, cfg, []string{"Part1"}, []string{"Part1"})
	return testsupport.NewRun(t, cfg, ""), cfg
}

func seedUpstream(t *testing.T, run *runstate.Run, decisions []extract.Decision) {
	t.Helper()
	summary := ingest.Summary{
		RunID:      run.ID,
		Mode:       run.Mode,
		StandardID: "ISO-99999",
		Edition:    "2026",
		ResolvedParts: map[string]ingest.ResolvedPart{
			"Part1": {HashStatus: "pending", SHA256: "d41d8cd9"},
		},
	}
	if err := run.Writer.WriteJSON(ingest.SummaryPath(run.Paths), summary); err != nil {
		t.Fatalf("write ingest summary: %v", err)
	}
	rows := make([]any, 0, len(decisions))
	for _, decision := range decisions {
		rows = append(rows, decision)
	}
	if err := run.Writer.WriteRecords(extract.DecisionsPath(run), rows); err != nil {
		t.Fatalf("write decisions: %v", err)
	}
}

func TestStageExecute(t *testing.T) {
	run, _ := seedRun(t)
	testsupport.SeedPageTexts(t, run, "Part1", []string{
		"Alpha requirement text.\nSecond block line.",
		"Bravo scanned text.",
	})
	seedUpstream(t, run, []extract.Decision{
		{Part: "Part1", Page: 1, Method: extract.MethodPrimary},
		{Part: "Part1", Page: 2, Method: extract.MethodOCRFallback,
			ReasonCodes: []string{"low_char_count"},
			OCR:         &extract.OCRMetrics{QualityBand: extract.BandNeedsReview}},
	})

	stage := NewStage()
	ctx := context.Background()
	if err := stage.Prepare(ctx, run); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := stage.Execute(ctx, run); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := stage.Verify(ctx, run); err != nil {
		t.Fatalf("verify: %v", err)
	}

	units, err := LoadUnits(run.Paths)
	if err != nil {
		t.Fatalf("load units: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("unit count = %d, want 2", len(units))
	}
	if units[0].UnitID != "part1-p0001" || units[1].UnitID != "part1-p0002" {
		t.Errorf("unit ids = %q, %q", units[0].UnitID, units[1].UnitID)
	}
	if units[0].ReviewState != ReviewAutoConfirmed {
		t.Errorf("primary page review state = %q", units[0].ReviewState)
	}
	if units[1].ReviewState != ReviewNeedsReview {
		t.Errorf("low-band OCR page review state = %q", units[1].ReviewState)
	}
	if units[0].SourceLocator.Edition != "2026" || units[0].SourceLocator.Clause != "Clause-1" {
		t.Errorf("locator = %+v", units[0].SourceLocator)
	}
	for _, unit := range units {
		if unit.Fingerprint != Fingerprint(unit.SourceLocator.Part, unit.SourceLocator.PageStart, unit.Provenance.ExtractMethod) {
			t.Errorf("fingerprint drift for %s", unit.UnitID)
		}
	}

	store := prewarm.NewStore(run.Paths, run.Writer)
	slices, err := store.ReadUnitSlices()
	if err != nil {
		t.Fatalf("read slices: %v", err)
	}
	// Page 1 has two non-blank blocks, page 2 has one.
	if len(slices) != 3 {
		t.Errorf("slice count = %d, want 3", len(slices))
	}
	links, err := store.ReadUnitTextLinks()
	if err != nil {
		t.Fatalf("read links: %v", err)
	}
	if len(links) != 2 {
		t.Errorf("link count = %d, want 2", len(links))
	}

	qaRows, err := jsonutil.ReadRecords(QAQueuePath(run.Paths))
	if err != nil {
		t.Fatalf("read qa queue: %v", err)
	}
	if len(qaRows) != 1 {
		t.Fatalf("qa item count = %d, want 1", len(qaRows))
	}
	if qaRows[0]["qa_item_id"] != "qa-part1-p0002" {
		t.Errorf("qa item id = %v", qaRows[0]["qa_item_id"])
	}
	if qaRows[0]["recommended_action"] != "manual_adjudication" {
		t.Errorf("qa action = %v", qaRows[0]["recommended_action"])
	}

	if !run.Checklist.PhaseComplete(runstate.PhaseNormalize) {
		t.Error("normalize checklist incomplete after execute")
	}
}

func TestStageExecutePassBandOCRIsManualConfirmed(t *testing.T) {
	run, _ := seedRun(t)
	testsupport.SeedPageTexts(t, run, "Part1", []string{"Clean OCR text."})
	seedUpstream(t, run, []extract.Decision{
		{Part: "Part1", Page: 1, Method: extract.MethodOCRFallback,
			OCR: &extract.OCRMetrics{QualityBand: extract.BandPass}},
	})

	if err := NewStage().Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}
	units, err := LoadUnits(run.Paths)
	if err != nil {
		t.Fatalf("load units: %v", err)
	}
	if units[0].ReviewState != ReviewManualConfirmed {
		t.Errorf("pass-band OCR review state = %q", units[0].ReviewState)
	}
	qaRows, err := jsonutil.ReadRecords(QAQueuePath(run.Paths))
	if err != nil {
		t.Fatalf("read qa queue: %v", err)
	}
	if len(qaRows) != 0 {
		t.Errorf("pass-band OCR queued for QA: %v", qaRows)
	}
}

func TestStageExecuteDuplicateDecision(t *testing.T) {
	run, _ := seedRun(t)
	testsupport.SeedPageTexts(t, run, "Part1", []string{"Text."})
	seedUpstream(t, run, []extract.Decision{
		{Part: "Part1", Page: 1, Method: extract.MethodPrimary},
		{Part: "Part1", Page: 1, Method: extract.MethodPrimary},
	})

	err := NewStage().Execute(context.Background(), run)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for duplicate page, got %v", err)
	}
}

func TestStageExecuteMissingPageText(t *testing.T) {
	run, _ := seedRun(t)
	testsupport.SeedPageTexts(t, run, "Part1", []string{"Text."})
	seedUpstream(t, run, []extract.Decision{
		{Part: "Part1", Page: 1, Method: extract.MethodPrimary},
		{Part: "Part1", Page: 2, Method: extract.MethodPrimary},
	})

	err := NewStage().Execute(context.Background(), run)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition for missing page text, got %v", err)
	}
}

func TestUnitIDAndFingerprint(t *testing.T) {
	if got := UnitID("Part1", 7); got != "part1-p0007" {
		t.Errorf("UnitID = %q", got)
	}
	first := Fingerprint("Part1", 7, extract.MethodPrimary)
	if len(first) != 24 {
		t.Errorf("fingerprint length = %d", len(first))
	}
	if first != Fingerprint("Part1", 7, extract.MethodPrimary) {
		t.Error("fingerprint not stable")
	}
	if first == Fingerprint("Part1", 7, extract.MethodOCRFallback) {
		t.Error("fingerprint ignores method")
	}
}
