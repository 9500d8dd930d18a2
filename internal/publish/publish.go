// Package publish promotes anchored units into the checked-in registry.
// Everything published is non-verbatim: shard rows, manifests, and the
// anchor registry carry locators and text hashes, never source text. The
// begin/commit marker pair plus a recorded checksum set make the promotion
// reconcilable after a crash mid-write.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lode/internal/anchor"
	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/jsonc"
	"lode/internal/jsonutil"
	"lode/internal/normalize"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// ShardSize caps records per published corpus shard.
const ShardSize = 250

var manifestHeader = []string{
	"Generated registry artifact. Do not edit by hand.",
	"Rows carry anchor and locator metadata plus text hashes only.",
}

// ShardRecord is one published, non-verbatim corpus row.
type ShardRecord struct {
	AnchorID       string   `json:"anchor_id"`
	UnitID         string   `json:"unit_id"`
	UnitType       string   `json:"unit_type"`
	Part           string   `json:"part"`
	Section        string   `json:"section"`
	Clause         string   `json:"clause"`
	SubclausePath  []string `json:"subclause_path"`
	PageStart      int      `json:"page_start"`
	PageEnd        int      `json:"page_end"`
	DisplayLocator string   `json:"display_locator"`
	Fingerprint    string   `json:"fingerprint"`
	TextSHA256     string   `json:"text_sha256"`
	ReviewState    string   `json:"review_state"`
}

// Summary records what a publish wrote, including the checksum set the
// reconciler compares against after a crash.
type Summary struct {
	RunID         string            `json:"run_id"`
	Edition       string            `json:"edition"`
	TimestampUTC  string            `json:"timestamp_utc"`
	AnchorCount   int               `json:"anchor_count"`
	PartCount     int               `json:"part_count"`
	FileChecksums map[string]string `json:"file_checksums"`
}

// SummaryPath locates the control-plane publish summary.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhasePublish, "publish-summary.json")
}

// Stage implements the publish phase.
type Stage struct{}

// NewStage constructs the publish handler.
func NewStage() *Stage { return &Stage{} }

func (s *Stage) Name() string { return runstate.PhasePublish }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if _, err := anchor.LoadUnits(run.Paths); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare", "", err)
	}
	return s.checkGates(run)
}

// checkGates enforces the hard publish gates over required parts.
func (s *Stage) checkGates(run *runstate.Run) error {
	qaRows, err := jsonutil.ReadRecords(normalize.QAQueuePath(run.Paths))
	if err != nil && !os.IsNotExist(err) {
		return services.Wrap(services.ErrValidation, s.Name(), "gates", "qa queue unreadable", err)
	}
	for _, row := range qaRows {
		part, _ := row["part"].(string)
		if run.PartRequired(part) {
			return services.Wrap(services.ErrValidation, s.Name(), "gates",
				fmt.Sprintf("qa queue has unresolved item for required part %s", part), nil)
		}
	}

	var normSummary struct {
		Coverage map[string]struct {
			CoverageRatio float64 `json:"coverage_ratio"`
		} `json:"coverage"`
	}
	if err := jsonutil.ReadJSON(normalize.SummaryPath(run.Paths), &normSummary); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "gates", "normalize summary", err)
	}
	for part, cov := range normSummary.Coverage {
		if cov.CoverageRatio < 1.0 {
			return services.Wrap(services.ErrValidation, s.Name(), "gates",
				fmt.Sprintf("coverage for %s is %.3f", part, cov.CoverageRatio), nil)
		}
	}

	decisions, err := extract.LoadDecisions(run)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "gates", "extract decisions", err)
	}
	for _, decision := range decisions {
		if decision.Method != extract.MethodOCRFallback || !run.PartRequired(decision.Part) {
			continue
		}
		band := extract.BandFail
		if decision.OCR != nil {
			band = decision.OCR.QualityBand
		}
		if band != extract.BandPass {
			return services.Wrap(services.ErrValidation, s.Name(), "gates",
				fmt.Sprintf("required part %s page %d is OCR band %s", decision.Part, decision.Page, band), nil)
		}
	}
	return nil
}

func (s *Stage) Execute(_ context.Context, run *runstate.Run) error {
	ingestSummary, err := ingest.LoadSummary(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	units, err := anchor.LoadUnits(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "execute", "", err)
	}
	edition := ingestSummary.Edition

	begin := map[string]any{
		"run_id":        run.ID,
		"timestamp_utc": jsonutil.NowStamp(),
	}
	if err := run.Writer.WriteJSON(run.Paths.PublishBeginMarker(), begin); err != nil {
		return err
	}
	run.RecordOutput(run.Paths.PublishBeginMarker())

	byPart := make(map[string][]ShardRecord)
	for _, unit := range units {
		loc := unit.SourceLocator
		byPart[loc.Part] = append(byPart[loc.Part], ShardRecord{
			AnchorID:       unit.AnchorID,
			UnitID:         unit.UnitID,
			UnitType:       unit.UnitType,
			Part:           loc.Part,
			Section:        loc.Section,
			Clause:         loc.Clause,
			SubclausePath:  loc.SubclausePath,
			PageStart:      loc.PageStart,
			PageEnd:        loc.PageEnd,
			DisplayLocator: unit.DisplayLocator,
			Fingerprint:    unit.Fingerprint,
			TextSHA256:     unit.Provenance.TextSHA256,
			ReviewState:    unit.ReviewState,
		})
	}
	parts := make([]string, 0, len(byPart))
	for part := range byPart {
		parts = append(parts, part)
	}
	sort.Strings(parts)

	var published []string
	for _, part := range parts {
		records := byPart[part]
		sort.Slice(records, func(i, j int) bool {
			if records[i].PageStart != records[j].PageStart {
				return records[i].PageStart < records[j].PageStart
			}
			return records[i].AnchorID < records[j].AnchorID
		})

		var shardPaths []string
		for shard := 0; shard*ShardSize < len(records); shard++ {
			end := (shard + 1) * ShardSize
			if end > len(records) {
				end = len(records)
			}
			rows := make([]any, 0, end-shard*ShardSize)
			for _, record := range records[shard*ShardSize : end] {
				rows = append(rows, record)
			}
			path := run.Paths.PartShard(edition, part, shard)
			if err := run.Writer.WriteRecords(path, rows); err != nil {
				return err
			}
			shardPaths = append(shardPaths, path)
			published = append(published, path)
		}

		clauses := make(map[string][]string)
		for _, record := range records {
			clauses[record.Clause] = append(clauses[record.Clause], record.AnchorID)
		}
		clauseManifest := map[string]any{
			"part":    part,
			"edition": edition,
			"clauses": clauses,
		}
		if err := s.writeJSONC(run, run.Paths.ClauseManifest(edition, part), clauseManifest); err != nil {
			return err
		}
		published = append(published, run.Paths.ClauseManifest(edition, part))

		shardNames := make([]string, 0, len(shardPaths))
		for _, path := range shardPaths {
			shardNames = append(shardNames, filepath.Base(path))
		}
		partManifest := map[string]any{
			"part":         part,
			"edition":      edition,
			"record_count": len(records),
			"shard_size":   ShardSize,
			"shards":       shardNames,
		}
		if err := s.writeJSONC(run, run.Paths.PartManifest(edition, part), partManifest); err != nil {
			return err
		}
		published = append(published, run.Paths.PartManifest(edition, part))
	}
	if err := run.Checklist.Mark("CB_PUBLISH_SHARDS_WRITTEN"); err != nil {
		return err
	}

	registryRows := make([]map[string]any, 0, len(units))
	sorted := append([]anchor.AnchoredUnit(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AnchorID < sorted[j].AnchorID })
	for _, unit := range sorted {
		registryRows = append(registryRows, map[string]any{
			"anchor_id":       unit.AnchorID,
			"unit_id":         unit.UnitID,
			"part":            unit.SourceLocator.Part,
			"unit_type":       unit.UnitType,
			"page_start":      unit.SourceLocator.PageStart,
			"display_locator": unit.DisplayLocator,
			"fingerprint":     unit.Fingerprint,
		})
	}
	registry := map[string]any{
		"standard_id": ingestSummary.StandardID,
		"edition":     edition,
		"anchors":     registryRows,
	}
	if err := s.writeJSONC(run, run.Paths.AnchorRegistry(), registry); err != nil {
		return err
	}
	published = append(published, run.Paths.AnchorRegistry())

	corpusManifest := map[string]any{
		"standard_id":  ingestSummary.StandardID,
		"edition":      edition,
		"record_count": len(units),
		"parts":        parts,
		"generated_at": jsonutil.NowStamp(),
		"run_id":       run.ID,
	}
	if err := s.writeJSONC(run, run.Paths.CorpusManifest(), corpusManifest); err != nil {
		return err
	}
	published = append(published, run.Paths.CorpusManifest())
	if err := run.Checklist.Mark("CB_PUBLISH_REGISTRY_WRITTEN"); err != nil {
		return err
	}
	if err := run.Checklist.Mark("CB_PUBLISH_QA_GATE_PASS"); err != nil {
		return err
	}

	checksums := make(map[string]string, len(published))
	for _, path := range published {
		sum, err := FileChecksum(run, path)
		if err != nil {
			return services.Wrap(services.ErrPublishInconsistency, s.Name(), "checksum", path, err)
		}
		checksums[RelPath(run.Paths, path)] = sum
	}
	summary := Summary{
		RunID:         run.ID,
		Edition:       edition,
		TimestampUTC:  jsonutil.NowStamp(),
		AnchorCount:   len(units),
		PartCount:     len(parts),
		FileChecksums: checksums,
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))

	commit := map[string]any{
		"run_id":        run.ID,
		"timestamp_utc": jsonutil.NowStamp(),
	}
	if err := run.Writer.WriteJSON(run.Paths.PublishCommitMarker(), commit); err != nil {
		return err
	}
	run.RecordOutput(run.Paths.PublishCommitMarker())
	if err := run.Log.Append("publish_committed run_id=%s anchors=%d", run.ID, len(units)); err != nil {
		return err
	}
	return run.Checklist.Mark("CB_PUBLISH_TRANSACTION_COMMIT")
}

func (s *Stage) writeJSONC(run *runstate.Run, path string, v any) error {
	data, err := jsonc.Marshal(manifestHeader, v)
	if err != nil {
		return services.Wrap(services.ErrPublishInconsistency, s.Name(), "render", path, err)
	}
	return run.Writer.WriteBytes(path, data)
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	mismatches, err := CompareChecksums(run)
	if err != nil {
		return services.Wrap(services.ErrPublishInconsistency, s.Name(), "verify", "", err)
	}
	if len(mismatches) > 0 {
		return services.Wrap(services.ErrPublishInconsistency, s.Name(), "verify",
			"checksum mismatch: "+strings.Join(mismatches, ", "), nil)
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(runstate.PhasePublish)
}

// RelPath keys published files by their registry-relative location so the
// recorded checksum set survives a registry root move.
func RelPath(paths runpaths.Paths, path string) string {
	rel, err := filepath.Rel(paths.RegistryRoot, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// FileChecksum computes the canonical-JSON SHA-256 of a published file's
// parsed content, so byte-level formatting never affects reconciliation.
func FileChecksum(run *runstate.Run, path string) (string, error) {
	if strings.HasSuffix(path, ".jsonl") {
		rows, err := jsonutil.ReadRecords(path)
		if err != nil {
			return "", err
		}
		return jsonutil.Checksum(rows)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var parsed any
	if err := jsonc.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return jsonutil.Checksum(parsed)
}

// CompareChecksums recomputes checksums over the published set and returns
// the relative paths that disagree with the recorded summary.
func CompareChecksums(run *runstate.Run) ([]string, error) {
	var summary Summary
	if err := jsonutil.ReadJSON(SummaryPath(run.Paths), &summary); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(summary.FileChecksums))
	for key := range summary.FileChecksums {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var mismatches []string
	for _, key := range keys {
		path := filepath.Join(run.Paths.RegistryRoot, filepath.FromSlash(key))
		sum, err := FileChecksum(run, path)
		if err != nil {
			mismatches = append(mismatches, key)
			continue
		}
		if sum != summary.FileChecksums[key] {
			mismatches = append(mismatches, key)
		}
	}
	return mismatches, nil
}

// Reconcile resolves a publish.begin left open by a crash. When the
// recorded checksum set matches the published files the commit marker is
// written; a mismatch is a hard inconsistency; a missing summary means the
// phase never reached its checksum step and must restart.
func Reconcile(run *runstate.Run) (resolved bool, err error) {
	if _, statErr := os.Stat(SummaryPath(run.Paths)); statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, statErr
	}
	mismatches, err := CompareChecksums(run)
	if err != nil {
		return false, services.Wrap(services.ErrPublishInconsistency, runstate.PhasePublish,
			"reconcile", "", err)
	}
	if len(mismatches) > 0 {
		return false, services.Wrap(services.ErrPublishInconsistency, runstate.PhasePublish,
			"reconcile", "checksum mismatch: "+strings.Join(mismatches, ", "), nil)
	}
	commit := map[string]any{
		"run_id":        run.ID,
		"timestamp_utc": jsonutil.NowStamp(),
		"reconciled":    true,
	}
	if err := run.Writer.WriteJSON(run.Paths.PublishCommitMarker(), commit); err != nil {
		return false, err
	}
	if err := run.Log.Append("publish_reconciled run_id=%s", run.ID); err != nil {
		return false, err
	}
	return true, nil
}
