// Package normalize segments extracted pages into addressable units. Every
// page yields one paragraph-granularity unit plus per-block unit slices;
// verbatim slices go to the prewarm cache, the non-verbatim unit records to
// the control plane, and OCR pages below the pass band join the QA queue.
package normalize

import (
	"context"
	"fmt"
	"os"

	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// Review states of a normalized unit.
const (
	ReviewAutoConfirmed   = "auto_confirmed"
	ReviewManualConfirmed = "manual_confirmed"
	ReviewNeedsReview     = "needs_review"
)

// SourceLocator pins a unit to its place in the source standard.
type SourceLocator struct {
	Edition       string   `json:"edition"`
	Part          string   `json:"part"`
	Section       string   `json:"section"`
	Clause        string   `json:"clause"`
	SubclausePath []string `json:"subclause_path"`
	UnitType      string   `json:"unit_type"`
	PageStart     int      `json:"page_start"`
	PageEnd       int      `json:"page_end"`
}

// Provenance ties a unit to the exact source bytes and extraction path.
type Provenance struct {
	SourcePDFSHA256 string `json:"source_pdf_sha256"`
	ExtractMethod   string `json:"extract_method"`
	TextSHA256      string `json:"text_sha256"`
}

// Unit is the non-verbatim normalized record of one page's paragraph unit.
type Unit struct {
	UnitID         string        `json:"unit_id"`
	UnitType       string        `json:"unit_type"`
	SourceLocator  SourceLocator `json:"source_locator"`
	DisplayLocator string        `json:"display_locator"`
	Fingerprint    string        `json:"fingerprint"`
	Provenance     Provenance    `json:"provenance"`
	ReviewState    string        `json:"review_state"`
	Status         string        `json:"status"`
}

// QAItem queues one needs-review unit for manual adjudication.
type QAItem struct {
	QAItemID          string   `json:"qa_item_id"`
	Part              string   `json:"part"`
	Page              int      `json:"page"`
	ReasonCodes       []string `json:"reason_codes"`
	QualityBand       string   `json:"quality_band"`
	RecommendedAction string   `json:"recommended_action"`
}

// UnitsPath locates the control-plane normalized unit log.
func UnitsPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseNormalize, "normalized-units.jsonl")
}

// QAQueuePath locates the control-plane QA queue.
func QAQueuePath(paths runpaths.Paths) string {
	return paths.ControlArtifact("qa", "queue.jsonl")
}

// SummaryPath locates the control-plane normalize summary.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseNormalize, "normalize-summary.json")
}

// LoadUnits reads the normalized units back for the anchor phase.
func LoadUnits(paths runpaths.Paths) ([]Unit, error) {
	rows, err := jsonutil.ReadRecords(UnitsPath(paths))
	if err != nil {
		return nil, fmt.Errorf("normalized units: %w", err)
	}
	units := make([]Unit, 0, len(rows))
	for i, row := range rows {
		var unit Unit
		if err := remarshal(row, &unit); err != nil {
			return nil, fmt.Errorf("normalized units row %d: %w", i+1, err)
		}
		units = append(units, unit)
	}
	return units, nil
}

// UnitID derives the stable unit identity for a page.
func UnitID(part string, page int) string {
	return fmt.Sprintf("%s-p%04d", lower(part), page)
}

// Fingerprint derives the unit's short content-independent fingerprint.
func Fingerprint(part string, page int, method string) string {
	return prewarm.TextSHA256(fmt.Sprintf("%s:%d:%s", part, page, method))[:24]
}

func lower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 32
		}
	}
	return string(out)
}

// Stage implements the normalize phase.
type Stage struct{}

// NewStage constructs the normalize handler.
func NewStage() *Stage { return &Stage{} }

func (s *Stage) Name() string { return runstate.PhaseNormalize }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if _, err := os.Stat(extract.DecisionsPath(run)); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare", "extract decisions missing", err)
	}
	if _, err := os.Stat(run.Paths.PageTextFile()); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare", "prewarm page text missing", err)
	}
	return nil
}

func (s *Stage) Execute(_ context.Context, run *runstate.Run) error {
	ingestSummary, err := ingest.LoadSummary(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	decisions, err := extract.LoadDecisions(run)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	if len(decisions) == 0 {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "extract decisions are empty", nil)
	}

	store := prewarm.NewStore(run.Paths, run.Writer)
	pageTexts, err := store.ReadPageTexts()
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "prewarm page text", err)
	}
	textByPage := make(map[string]prewarm.PageText, len(pageTexts))
	for _, page := range pageTexts {
		textByPage[fmt.Sprintf("%s:%d", page.Part, page.Page)] = page
	}

	edition := ingestSummary.Edition
	seen := make(map[string]struct{}, len(decisions))
	var units []Unit
	var slices []prewarm.UnitSlice
	var links []prewarm.UnitTextLink
	var sourceRows []prewarm.QuerySourceRow
	var qaItems []QAItem
	expected := make(map[string]int)
	normalized := make(map[string]int)

	for _, decision := range decisions {
		key := fmt.Sprintf("%s:%d", decision.Part, decision.Page)
		if _, dup := seen[key]; dup {
			return services.Wrap(services.ErrValidation, s.Name(), "execute",
				"duplicate extract decision for "+key, nil)
		}
		seen[key] = struct{}{}
		expected[decision.Part]++

		page, ok := textByPage[key]
		if !ok {
			return services.Wrap(services.ErrStopCondition, s.Name(), "execute",
				"page text missing for "+key, nil)
		}

		reviewState := ReviewAutoConfirmed
		band := ""
		if decision.Method == extract.MethodOCRFallback {
			band = extract.BandFail
			if decision.OCR != nil {
				band = decision.OCR.QualityBand
			}
			if band == extract.BandPass {
				reviewState = ReviewManualConfirmed
			} else {
				reviewState = ReviewNeedsReview
			}
		}

		locator := SourceLocator{
			Edition:       edition,
			Part:          decision.Part,
			Section:       fmt.Sprintf("Sec-%d", decision.Page),
			Clause:        fmt.Sprintf("Clause-%d", decision.Page),
			SubclausePath: []string{fmt.Sprintf("%d.0", decision.Page)},
			UnitType:      "paragraph",
			PageStart:     decision.Page,
			PageEnd:       decision.Page,
		}
		unitID := UnitID(decision.Part, decision.Page)
		unit := Unit{
			UnitID:         unitID,
			UnitType:       "paragraph",
			SourceLocator:  locator,
			DisplayLocator: fmt.Sprintf("%s / Clause %d.0 / Paragraph 1", decision.Part, decision.Page),
			Fingerprint:    Fingerprint(decision.Part, decision.Page, decision.Method),
			Provenance: Provenance{
				SourcePDFSHA256: ingestSummary.ResolvedParts[decision.Part].SHA256,
				ExtractMethod:   decision.Method,
				TextSHA256:      page.TextSHA256,
			},
			ReviewState: reviewState,
			Status:      "mapped",
		}
		units = append(units, unit)
		normalized[decision.Part]++

		locatorMap := map[string]any{
			"edition":        locator.Edition,
			"part":           locator.Part,
			"section":        locator.Section,
			"clause":         locator.Clause,
			"subclause_path": locator.SubclausePath,
			"unit_type":      locator.UnitType,
			"page_start":     locator.PageStart,
			"page_end":       locator.PageEnd,
		}
		var sliceIDs []string
		for ordinal, block := range prewarm.SplitBlocks(page.Text) {
			blockSHA := prewarm.TextSHA256(block.Text)
			sliceID := prewarm.BlockID(page.RecordID, ordinal, blockSHA)
			sliceIDs = append(sliceIDs, sliceID)
			slices = append(slices, prewarm.UnitSlice{
				SliceID:       sliceID,
				UnitID:        unitID,
				Part:          decision.Part,
				Page:          decision.Page,
				UnitType:      "paragraph",
				Ordinal:       ordinal,
				StartOffset:   block.Start,
				EndOffset:     block.End,
				Text:          block.Text,
				TextSHA256:    blockSHA,
				SourceLocator: locatorMap,
			})
			normalizedText := prewarm.NormalizeForQuery(block.Text)
			sourceRows = append(sourceRows, prewarm.QuerySourceRow{
				UnitID:         unitID,
				SliceID:        sliceID,
				Part:           decision.Part,
				Page:           decision.Page,
				UnitType:       "paragraph",
				NormalizedText: normalizedText,
				Tokens:         prewarm.Tokens(normalizedText),
			})
		}
		links = append(links, prewarm.UnitTextLink{
			UnitID:   unitID,
			RecordID: page.RecordID,
			Part:     decision.Part,
			Page:     decision.Page,
			Method:   decision.Method,
			SliceIDs: sliceIDs,
		})

		if reviewState == ReviewNeedsReview {
			qaItems = append(qaItems, QAItem{
				QAItemID:          "qa-" + unitID,
				Part:              decision.Part,
				Page:              decision.Page,
				ReasonCodes:       decision.ReasonCodes,
				QualityBand:       band,
				RecommendedAction: "manual_adjudication",
			})
		}
	}

	unitRows := make([]any, 0, len(units))
	for _, unit := range units {
		unitRows = append(unitRows, unit)
	}
	if err := run.Writer.WriteRecords(UnitsPath(run.Paths), unitRows); err != nil {
		return err
	}
	run.RecordOutput(UnitsPath(run.Paths))
	if err := store.WriteNormalizeArtifacts(slices, links, sourceRows); err != nil {
		return err
	}
	run.RecordOutput(run.Paths.UnitSlicesFile())
	run.RecordOutput(run.Paths.UnitTextLinksFile())
	run.RecordOutput(run.Paths.QuerySourceRowsFile())
	if err := run.Checklist.Mark("CB_NORMALIZE_UNITS_WRITTEN"); err != nil {
		return err
	}

	coverage := make(map[string]map[string]any, len(expected))
	for part, want := range expected {
		got := normalized[part]
		ratio := 0.0
		if want > 0 {
			ratio = float64(got) / float64(want)
		}
		coverage[part] = map[string]any{
			"expected":       want,
			"normalized":     got,
			"coverage_ratio": ratio,
		}
		if ratio < 1.0 {
			return services.Wrap(services.ErrValidation, s.Name(), "coverage",
				fmt.Sprintf("part %s: %d/%d", part, got, want), nil)
		}
	}
	if err := run.Checklist.Mark("CB_NORMALIZE_COVERAGE_COMPUTED"); err != nil {
		return err
	}

	qaRows := make([]any, 0, len(qaItems))
	for _, item := range qaItems {
		qaRows = append(qaRows, item)
	}
	if err := run.Writer.WriteRecords(QAQueuePath(run.Paths), qaRows); err != nil {
		return err
	}
	run.RecordOutput(QAQueuePath(run.Paths))
	if err := run.Checklist.Mark("CB_NORMALIZE_QA_QUEUE_WRITTEN"); err != nil {
		return err
	}

	summary := map[string]any{
		"run_id":              run.ID,
		"timestamp_utc":       jsonutil.NowStamp(),
		"unit_count":          len(units),
		"qa_unresolved_count": len(qaItems),
		"coverage":            coverage,
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))
	return run.Checklist.Mark("CB_NORMALIZE_SUMMARY_WRITTEN")
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	units, err := LoadUnits(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	linkCount, err := jsonutil.CountRecords(run.Paths.UnitTextLinksFile())
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "unit links unreadable", err)
	}
	if linkCount != len(units) {
		return services.Wrap(services.ErrStopCondition, s.Name(), "verify",
			fmt.Sprintf("unit link rows %d != units %d", linkCount, len(units)), nil)
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(runstate.PhaseNormalize)
}
