// Package verify gates a published corpus before it may be trusted: schema
// validation of the registry, registry/shard integrity, required-part
// completeness, leak scans over the control plane and git staging area,
// prewarm quality anomaly checks, and smoke queries against a freshly
// built index with a frozen probe set. An optional external build command
// is the last gate; a non-zero exit is a hard stop.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"lode/internal/jsonc"
	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/query"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// Stage implements the verify phase.
type Stage struct {
	guidelinePointer string
	buildCommand     []string
}

// NewStage constructs the verify handler. buildCommand, when non-empty, is
// the external document-build argv run as the final gate.
func NewStage(guidelinePointer string, buildCommand []string) *Stage {
	return &Stage{guidelinePointer: guidelinePointer, buildCommand: buildCommand}
}

func (s *Stage) Name() string { return runstate.PhaseVerify }

// SummaryPath locates the control-plane verify summary.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseVerify, "verify-summary.json")
}

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if _, err := os.Stat(run.Paths.PublishCommitMarker()); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare",
			"publish has not committed", err)
	}
	return nil
}

func (s *Stage) Execute(ctx context.Context, run *runstate.Run) error {
	if err := validateRegistrySchema(run.Paths.AnchorRegistry()); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "schema", "", err)
	}
	if err := run.Checklist.Mark("CB_VERIFY_SCHEMA_PASS"); err != nil {
		return err
	}

	if err := checkIntegrity(run.Paths); err != nil {
		return services.Wrap(services.ErrStopCondition, s.Name(), "integrity", "", err)
	}
	if err := run.Checklist.Mark("CB_VERIFY_INTEGRITY_PASS"); err != nil {
		return err
	}

	if err := s.checkRequiredParts(run); err != nil {
		return err
	}
	if err := run.Checklist.Mark("CB_VERIFY_REQUIRED_PARTS_PASS"); err != nil {
		return err
	}

	pages, err := prewarm.NewStore(run.Paths, run.Writer).ReadPageTexts()
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "content", "prewarm page text", err)
	}
	anomalies := scanPrewarmAnomalies(pages)
	if err := s.checkContent(ctx, run, anomalies); err != nil {
		return err
	}
	if err := run.Checklist.Mark("CB_VERIFY_REPORT_CONTENT_PASS"); err != nil {
		return err
	}

	var probeSignature string
	var manifest *query.Manifest
	if !run.Writer.DryRun() {
		engine := query.NewEngine(run.Paths, s.guidelinePointer)
		manifest, err = engine.BuildIndex(ctx)
		if err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "index", "", err)
		}
		run.RecordOutput(run.Paths.QueryIndexManifest())

		rows, err := prewarm.NewStore(run.Paths, run.Writer).ReadQuerySourceRows()
		if err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "probes", "query source rows", err)
		}
		probes, err := deriveProbes(rows)
		if err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "probes", "", err)
		}
		if err := run.Writer.WriteJSON(probeManifestPath(run), probes); err != nil {
			return err
		}
		run.RecordOutput(probeManifestPath(run))
		if err := runSmokeQueries(ctx, engine, probes); err != nil {
			return services.Wrap(services.ErrStopCondition, s.Name(), "smoke", "", err)
		}
		probeSignature = probes.Signature
	}

	if len(s.buildCommand) > 0 && !run.Writer.DryRun() {
		if err := s.runBuildCommand(ctx, run); err != nil {
			return err
		}
	}

	summary := map[string]any{
		"run_id":          run.ID,
		"timestamp_utc":   jsonutil.NowStamp(),
		"anomaly_count":   len(anomalies),
		"probe_signature": probeSignature,
	}
	if manifest != nil {
		summary["index_posting_count"] = manifest.PostingCount
		summary["index_signature"] = manifest.Signature
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))
	return run.Checklist.Mark("CB_VERIFY_SUMMARY_WRITTEN")
}

// checkRequiredParts confirms every required part published at least one
// corpus record.
func (s *Stage) checkRequiredParts(run *runstate.Run) error {
	var corpus struct {
		Parts []string `json:"parts"`
	}
	if err := jsonc.ReadFile(run.Paths.CorpusManifest(), &corpus); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "required-parts", "", err)
	}
	have := make(map[string]struct{}, len(corpus.Parts))
	for _, part := range corpus.Parts {
		have[part] = struct{}{}
	}
	var missing []string
	for _, part := range run.RequiredParts() {
		if _, ok := have[part]; !ok {
			missing = append(missing, part)
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrValidation, s.Name(), "required-parts",
			"missing from corpus: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

func (s *Stage) checkContent(ctx context.Context, run *runstate.Run, anomalies []Anomaly) error {
	offenders, err := scanControlPlane(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "content", "", err)
	}
	if len(offenders) > 0 {
		return services.Wrap(services.ErrStopCondition, s.Name(), "content",
			"raw text in control plane: "+strings.Join(offenders, ", "), nil)
	}
	staged, err := stagedCacheFiles(ctx, run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "content", "", err)
	}
	if len(staged) > 0 {
		return services.Wrap(services.ErrStopCondition, s.Name(), "content",
			"cache files staged in git: "+strings.Join(staged, ", "), nil)
	}
	if len(anomalies) > 0 {
		return services.Wrap(services.ErrStopCondition, s.Name(), "content",
			fmt.Sprintf("%d extraction anomalies in prewarm cache", len(anomalies)), nil)
	}
	return nil
}

func (s *Stage) runBuildCommand(ctx context.Context, run *runstate.Run) error {
	cmd := exec.CommandContext(ctx, s.buildCommand[0], s.buildCommand[1:]...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "build-command",
			strings.TrimSpace(string(output)), err)
	}
	return run.Log.Append("verify_build_command_ok argv=%q", strings.Join(s.buildCommand, " "))
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	var summary struct {
		ProbeSignature string `json:"probe_signature"`
	}
	if err := jsonutil.ReadJSON(SummaryPath(run.Paths), &summary); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	var probes ProbeSet
	if err := jsonutil.ReadJSON(probeManifestPath(run), &probes); err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "probe manifest", err)
	}
	if probes.Signature != summary.ProbeSignature {
		return services.Wrap(services.ErrStopCondition, s.Name(), "verify",
			"probe signature drift", nil)
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(runstate.PhaseVerify)
}
