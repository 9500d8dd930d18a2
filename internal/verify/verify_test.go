package verify

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"lode/internal/anchor"
	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/jsonutil"
	"lode/internal/normalize"
	"lode/internal/publish"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/testsupport"
)

func publishedRun(t *testing.T, texts []string) *runstate.Run {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	testsupport.WritePDFSet(t, cfg, "ISO-99999", "2026", "Part1")
	testsupport.WriteRelevantPolicy(t, cfg, []string{"Part1"}, []string{"Part1"})
	run := testsupport.NewRun(t, cfg, "")
	testsupport.SeedPageTexts(t, run, "Part1", texts)

	summary := ingest.Summary{
		RunID: run.ID, Mode: run.Mode, StandardID: "ISO-99999", Edition: "2026",
		ResolvedParts: map[string]ingest.ResolvedPart{"Part1": {SHA256: "aa11"}},
	}
	if err := run.Writer.WriteJSON(ingest.SummaryPath(run.Paths), summary); err != nil {
		t.Fatalf("write ingest summary: %v", err)
	}
	decisions := make([]any, 0, len(texts))
	for page := range texts {
		decisions = append(decisions, extract.Decision{
			Part: "Part1", Page: page + 1, Method: extract.MethodPrimary,
		})
	}
	if err := run.Writer.WriteRecords(extract.DecisionsPath(run), decisions); err != nil {
		t.Fatalf("write decisions: %v", err)
	}
	ctx := context.Background()
	if err := normalize.NewStage().Execute(ctx, run); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := anchor.NewStage().Execute(ctx, run); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if err := publish.NewStage().Execute(ctx, run); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return run
}

// Wordy enough for the probe minima.
var verifiableTexts = []string{
	"The torque wrench calibration record shall be retained for audit purposes.",
	"Fastener torque values shall match the calibration table published in this part.",
}

func TestStageExecutePasses(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	stage := NewStage("docs/usage-guidelines.md", nil)
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

	var summary struct {
		AnomalyCount   int    `json:"anomaly_count"`
		ProbeSignature string `json:"probe_signature"`
		IndexSignature string `json:"index_signature"`
	}
	if err := jsonutil.ReadJSON(SummaryPath(run.Paths), &summary); err != nil {
		t.Fatalf("read verify summary: %v", err)
	}
	if summary.AnomalyCount != 0 {
		t.Errorf("anomaly count = %d", summary.AnomalyCount)
	}
	if summary.ProbeSignature == "" || summary.IndexSignature == "" {
		t.Errorf("summary missing signatures: %+v", summary)
	}

	var probes ProbeSet
	if err := jsonutil.ReadJSON(probeManifestPath(run), &probes); err != nil {
		t.Fatalf("read probe manifest: %v", err)
	}
	if len(probes.Words) < minWordProbes || len(probes.Phrases) < minPhraseProbes {
		t.Errorf("probe set too small: %d words, %d phrases", len(probes.Words), len(probes.Phrases))
	}
	if probes.Negative != negativeProbe {
		t.Errorf("negative probe = %q", probes.Negative)
	}

	if !run.Checklist.PhaseComplete(runstate.PhaseVerify) {
		t.Error("verify checklist incomplete after execute")
	}
}

func TestPrepareRequiresCommit(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	if err := os.Remove(run.Paths.PublishCommitMarker()); err != nil {
		t.Fatalf("remove commit marker: %v", err)
	}
	err := NewStage("", nil).Prepare(context.Background(), run)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecuteDetectsRawTextLeak(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	leak := run.Paths.ControlArtifact(runstate.PhaseNormalize, "debug-dump.json")
	if err := run.Writer.WriteJSON(leak, map[string]any{
		"unit_id":  "part1-p0001",
		"raw_text": "verbatim source text that must never leave the data plane",
	}); err != nil {
		t.Fatalf("write leak artifact: %v", err)
	}

	err := NewStage("", nil).Execute(context.Background(), run)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition, got %v", err)
	}
}

func TestExecuteDetectsPrewarmAnomaly(t *testing.T) {
	texts := append([]string(nil), verifiableTexts...)
	texts = append(texts, "Corrupt extraction � output on this page.")
	run := publishedRun(t, texts)

	err := NewStage("", nil).Execute(context.Background(), run)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition, got %v", err)
	}
}

func TestExecuteDetectsIntegrityDrift(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	raw, err := os.ReadFile(run.Paths.CorpusManifest())
	if err != nil {
		t.Fatalf("read corpus manifest: %v", err)
	}
	edited := strings.Replace(string(raw), `"record_count": 2`, `"record_count": 3`, 1)
	if edited == string(raw) {
		t.Fatal("corpus manifest edit did not apply")
	}
	if err := os.WriteFile(run.Paths.CorpusManifest(), []byte(edited), 0o644); err != nil {
		t.Fatalf("rewrite corpus manifest: %v", err)
	}

	err = NewStage("", nil).Execute(context.Background(), run)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition, got %v", err)
	}
}

func TestExecuteRunsBuildCommand(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	stage := NewStage("", []string{"false"})
	err := stage.Execute(context.Background(), run)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}

	passing := NewStage("", []string{"true"})
	if err := passing.Execute(context.Background(), run); err != nil {
		t.Fatalf("passing build command: %v", err)
	}
	audit, err := os.ReadFile(run.Log.Path())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(audit), "verify_build_command_ok") {
		t.Error("build command success not recorded")
	}
}

func TestVerifyDetectsProbeDrift(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	stage := NewStage("", nil)
	ctx := context.Background()
	if err := stage.Execute(ctx, run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var probes ProbeSet
	if err := jsonutil.ReadJSON(probeManifestPath(run), &probes); err != nil {
		t.Fatalf("read probe manifest: %v", err)
	}
	probes.Signature = "0000"
	if err := run.Writer.WriteJSON(probeManifestPath(run), probes); err != nil {
		t.Fatalf("rewrite probe manifest: %v", err)
	}

	err := stage.Verify(ctx, run)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition, got %v", err)
	}
}

func TestValidateRegistrySchemaRejectsBadShape(t *testing.T) {
	run := publishedRun(t, verifiableTexts)
	if err := validateRegistrySchema(run.Paths.AnchorRegistry()); err != nil {
		t.Fatalf("published registry should validate: %v", err)
	}

	raw, err := os.ReadFile(run.Paths.AnchorRegistry())
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	edited := strings.Replace(string(raw), `"unit_type": "paragraph"`, `"unit_type": "chapter"`, 1)
	if edited == string(raw) {
		t.Fatal("registry edit did not apply")
	}
	if err := os.WriteFile(run.Paths.AnchorRegistry(), []byte(edited), 0o644); err != nil {
		t.Fatalf("rewrite registry: %v", err)
	}
	if err := validateRegistrySchema(run.Paths.AnchorRegistry()); err == nil {
		t.Fatal("invalid unit_type accepted")
	}
}
