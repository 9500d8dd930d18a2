package extract

import (
	"context"
	"fmt"
	"os"
	"sort"

	"lode/internal/deps"
	"lode/internal/ingest"
	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// DecisionsPath locates the control-plane page-decision log.
func DecisionsPath(run *runstate.Run) string {
	return run.Paths.ControlArtifact(runstate.PhaseExtract, "extract-page-decisions.jsonl")
}

// SummaryPath locates the control-plane extract summary.
func SummaryPath(run *runstate.Run) string {
	return run.Paths.ControlArtifact(runstate.PhaseExtract, "extract-summary.json")
}

// LoadDecisions reads the page-decision log back for downstream phases.
func LoadDecisions(run *runstate.Run) ([]Decision, error) {
	rows, err := jsonutil.ReadRecords(DecisionsPath(run))
	if err != nil {
		return nil, fmt.Errorf("extract decisions: %w", err)
	}
	decisions := make([]Decision, 0, len(rows))
	for i, row := range rows {
		var decision Decision
		if err := remarshal(row, &decision); err != nil {
			return nil, fmt.Errorf("extract decisions row %d: %w", i+1, err)
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// Stage implements the extract phase: primary extraction with OCR fallback
// per page, page decisions to the control plane, verbatim text to the
// prewarm cache.
type Stage struct {
	engine       *Engine
	requirements []deps.Requirement
}

// NewStage constructs the extract handler around a policy engine.
func NewStage(engine *Engine, requirements []deps.Requirement) *Stage {
	return &Stage{engine: engine, requirements: requirements}
}

func (s *Stage) Name() string { return runstate.PhaseExtract }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if _, err := os.Stat(ingest.SummaryPath(run.Paths)); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare", "ingest summary missing", err)
	}
	if missing, found := deps.FirstMissing(deps.CheckBinaries(s.requirements)); found {
		return services.Wrap(services.ErrConfiguration, s.Name(), "prepare",
			"missing required binary "+missing.Command, nil)
	}
	return nil
}

func (s *Stage) Execute(ctx context.Context, run *runstate.Run) error {
	summary, err := ingest.LoadSummary(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}

	parts := make([]string, 0, len(summary.ResolvedParts))
	for part := range summary.ResolvedParts {
		parts = append(parts, part)
	}
	sort.Strings(parts)

	var decisions []Decision
	var pages []prewarm.PageText
	var blocks []prewarm.PageBlock
	partSummaries := make(map[string]map[string]int, len(parts))

	for _, part := range parts {
		resolved := summary.ResolvedParts[part]
		run.RecordInputHash(part, resolved.SHA256)
		results, err := s.engine.ExtractPart(ctx, part, resolved.ResolvedPath)
		if err != nil {
			return services.Wrap(services.ErrExternalTool, s.Name(), "extract-part", part, err)
		}

		fallback := 0
		for _, result := range results {
			decision := result.Decision
			decisions = append(decisions, decision)
			if decision.Method == MethodOCRFallback {
				fallback++
			}

			textSHA := prewarm.TextSHA256(result.Text)
			recordID := prewarm.PageRecordID(part, decision.Page, decision.Method, textSHA)
			pages = append(pages, prewarm.PageText{
				RecordID:   recordID,
				Part:       part,
				Page:       decision.Page,
				Method:     decision.Method,
				Text:       result.Text,
				TextSHA256: textSHA,
			})
			for ordinal, block := range prewarm.SplitBlocks(result.Text) {
				blockSHA := prewarm.TextSHA256(block.Text)
				blocks = append(blocks, prewarm.PageBlock{
					BlockID:     prewarm.BlockID(recordID, ordinal, blockSHA),
					RecordID:    recordID,
					Ordinal:     ordinal,
					StartOffset: block.Start,
					EndOffset:   block.End,
					Text:        block.Text,
					TextSHA256:  blockSHA,
				})
			}
		}
		partSummaries[part] = map[string]int{
			"pages":          len(results),
			"primary_pages":  len(results) - fallback,
			"fallback_pages": fallback,
		}
	}
	if err := run.Checklist.Mark("CB_EXTRACT_PRIMARY_EVAL_COMPLETE"); err != nil {
		return err
	}
	if err := run.Checklist.Mark("CB_EXTRACT_FALLBACK_COMPLETE"); err != nil {
		return err
	}

	decisionRows := make([]any, 0, len(decisions))
	for _, decision := range decisions {
		decisionRows = append(decisionRows, decision)
	}
	if err := run.Writer.WriteRecords(DecisionsPath(run), decisionRows); err != nil {
		return err
	}
	run.RecordOutput(DecisionsPath(run))
	if err := run.Checklist.Mark("CB_EXTRACT_PAGE_DECISIONS_WRITTEN"); err != nil {
		return err
	}

	store := prewarm.NewStore(run.Paths, run.Writer)
	if err := store.WritePageArtifacts(pages, blocks); err != nil {
		return err
	}
	run.RecordOutput(run.Paths.PageTextFile())
	run.RecordOutput(run.Paths.PageBlocksFile())
	run.RecordOutput(run.Paths.PageIndexFile())
	run.RecordOutput(run.Paths.PageSignaturesFile())

	extractSummary := map[string]any{
		"run_id":         run.ID,
		"policy_id":      s.engine.policy.PolicyID,
		"parts":          partSummaries,
		"decision_count": len(decisions),
		"timestamp_utc":  jsonutil.NowStamp(),
	}
	if err := run.Writer.WriteJSON(SummaryPath(run), extractSummary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run))
	return run.Checklist.Mark("CB_EXTRACT_SUMMARY_WRITTEN")
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	decisions, err := LoadDecisions(run)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	if len(decisions) == 0 {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "no page decisions", nil)
	}
	pageCount, err := jsonutil.CountRecords(run.Paths.PageTextFile())
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "page text unreadable", err)
	}
	if pageCount != len(decisions) {
		return services.Wrap(services.ErrStopCondition, s.Name(), "verify",
			fmt.Sprintf("page text rows %d != decisions %d", pageCount, len(decisions)), nil)
	}
	return nil
}

func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	if missing, found := deps.FirstMissing(deps.CheckBinaries(s.requirements)); found {
		return stage.Unhealthy(s.Name(), "missing binary: "+missing.Command)
	}
	return stage.Healthy(s.Name())
}
