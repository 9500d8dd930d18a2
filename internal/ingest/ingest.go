// Package ingest resolves the licensed source documents for a run. Each
// required part is located by preferred exact filename, else by a unique
// fallback-regex match; the file's hash is verified against the pdfset
// descriptor and the validated set is recorded as the run's ingest summary.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"lode/internal/jsonutil"
	"lode/internal/policy"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// ResolvedPart records where one part's PDF was found and how.
type ResolvedPart struct {
	HashStatus   string `json:"hash_status"`
	ResolvedPath string `json:"resolved_path"`
	SHA256       string `json:"sha256"`
	MatchMode    string `json:"match_mode"`
}

// Summary is the control-plane ingest record consumed by later phases.
type Summary struct {
	RunID                      string                  `json:"run_id"`
	Mode                       string                  `json:"mode"`
	StandardID                 string                  `json:"standard_id"`
	Edition                    string                  `json:"edition"`
	RequiredParts              []string                `json:"required_parts"`
	PDFRoot                    string                  `json:"pdf_root"`
	ResolvedParts              map[string]ResolvedPart `json:"resolved_parts"`
	RequiredPartsCompleteness  string                  `json:"required_parts_completeness"`
	PendingHashes              int                     `json:"pending_hashes"`
	TimestampUTC               string                  `json:"timestamp_utc"`
}

// SummaryPath locates the ingest summary in the control plane.
func SummaryPath(paths runpaths.Paths) string {
	return paths.ControlArtifact(runstate.PhaseIngest, "ingest-summary.json")
}

// LoadSummary reads a previously written ingest summary.
func LoadSummary(paths runpaths.Paths) (*Summary, error) {
	var summary Summary
	if err := jsonutil.ReadJSON(SummaryPath(paths), &summary); err != nil {
		return nil, fmt.Errorf("ingest summary: %w", err)
	}
	return &summary, nil
}

// Stage implements the ingest phase.
type Stage struct{}

// NewStage constructs the ingest handler.
func NewStage() *Stage { return &Stage{} }

func (s *Stage) Name() string { return runstate.PhaseIngest }

func (s *Stage) Prepare(_ context.Context, run *runstate.Run) error {
	if run.PDFSet == nil || run.RelevantPolicy == nil {
		return services.Wrap(services.ErrConfiguration, s.Name(), "prepare", "descriptors not loaded", nil)
	}
	info, err := os.Stat(run.Paths.PDFRoot)
	if err != nil || !info.IsDir() {
		return services.Wrap(services.ErrValidation, s.Name(), "prepare",
			"pdf root not a directory: "+run.Paths.PDFRoot, err)
	}
	return nil
}

func (s *Stage) Execute(ctx context.Context, run *runstate.Run) error {
	inventory, err := pdfInventory(run.Paths.PDFRoot)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "inventory", run.Paths.PDFRoot, err)
	}
	if err := run.Checklist.Mark("CB_INGEST_SOURCE_PDFSET_VALID"); err != nil {
		return err
	}

	resolved := make(map[string]ResolvedPart, len(run.RelevantPolicy.RequiredParts))
	pending := 0
	pdfsetChanged := false
	for _, part := range run.RelevantPolicy.RequiredParts {
		if err := ctx.Err(); err != nil {
			return err
		}
		descriptor, ok := run.PDFSet.Lookup(part)
		if !ok {
			return services.Wrap(services.ErrValidation, s.Name(), "resolve",
				fmt.Sprintf("part %s missing from pdfset descriptor", part), nil)
		}
		path, matchMode, err := resolvePartFile(descriptor, run.Paths.PDFRoot, inventory)
		if err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "resolve", part, err)
		}
		if err := api.ValidateFile(path, nil); err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "validate-pdf", path, err)
		}

		observed, err := jsonutil.SHA256File(path)
		if err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "hash", path, err)
		}
		declared := strings.TrimSpace(descriptor.SHA256)
		switch {
		case declared == policy.HashPending && run.LockSourceHashes:
			run.PDFSet.SetHash(part, observed)
			declared = observed
			pdfsetChanged = true
		case declared == policy.HashPending:
			return services.Wrap(services.ErrValidation, s.Name(), "hash",
				fmt.Sprintf("part %s hash is PENDING outside --lock-source-hashes flow", part), nil)
		case declared != "" && declared != observed:
			return services.Wrap(services.ErrValidation, s.Name(), "hash",
				fmt.Sprintf("part %s: declared=%s observed=%s path=%s", part, declared, observed, path), nil)
		}

		status := "LOCKED"
		if declared != observed {
			status = policy.HashPending
			pending++
		}
		resolved[part] = ResolvedPart{
			HashStatus:   status,
			ResolvedPath: path,
			SHA256:       observed,
			MatchMode:    matchMode,
		}
		run.RecordInputHash(part, observed)
	}
	if err := run.Checklist.Mark("CB_INGEST_REQUIRED_PARTS_FOUND"); err != nil {
		return err
	}
	if err := run.Checklist.Mark("CB_INGEST_HASHES_VERIFIED"); err != nil {
		return err
	}

	if pdfsetChanged {
		if err := run.Writer.WriteJSON(run.SourcePDFSetPath, run.PDFSet); err != nil {
			return err
		}
		if err := run.Log.Append("source_hashes_locked path=%s", run.SourcePDFSetPath); err != nil {
			return err
		}
	}
	if err := run.Checklist.Mark("CB_INGEST_STATE_INITIALIZED"); err != nil {
		return err
	}

	now := jsonutil.NowStamp()
	summary := Summary{
		RunID:         run.ID,
		Mode:          run.Mode,
		StandardID:    run.PDFSet.StandardID,
		Edition:       run.PDFSet.Edition,
		RequiredParts: run.RelevantPolicy.RequiredParts,
		PDFRoot:       run.Paths.PDFRoot,
		ResolvedParts: resolved,
		RequiredPartsCompleteness: fmt.Sprintf("%d/%d",
			len(resolved), len(run.RelevantPolicy.RequiredParts)),
		PendingHashes: pending,
		TimestampUTC:  now,
	}
	if err := run.Writer.WriteJSON(SummaryPath(run.Paths), summary); err != nil {
		return err
	}
	run.RecordOutput(SummaryPath(run.Paths))

	hashes := make(map[string]string, len(resolved))
	for part, row := range resolved {
		hashes[part] = row.SHA256
	}
	evidencePath := run.Paths.ControlArtifact(s.Name(), "source-hash-evidence.json")
	evidence := map[string]any{
		"run_id":         run.ID,
		"required_parts": run.RelevantPolicy.RequiredParts,
		"hashes":         hashes,
		"timestamp_utc":  now,
	}
	if err := run.Writer.WriteJSON(evidencePath, evidence); err != nil {
		return err
	}
	run.RecordOutput(evidencePath)
	return run.Checklist.Mark("CB_INGEST_SUMMARY_WRITTEN")
}

func (s *Stage) Verify(_ context.Context, run *runstate.Run) error {
	if run.Writer.DryRun() {
		return nil
	}
	summary, err := LoadSummary(run.Paths)
	if err != nil {
		return services.Wrap(services.ErrValidation, s.Name(), "verify", "", err)
	}
	for _, part := range run.RelevantPolicy.RequiredParts {
		row, ok := summary.ResolvedParts[part]
		if !ok {
			return services.Wrap(services.ErrValidation, s.Name(), "verify",
				"summary missing part "+part, nil)
		}
		if _, err := os.Stat(row.ResolvedPath); err != nil {
			return services.Wrap(services.ErrValidation, s.Name(), "verify", row.ResolvedPath, err)
		}
	}
	return nil
}

func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(s.Name())
}

func pdfInventory(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// resolvePartFile prefers the descriptor's exact filename; otherwise the
// fallback regex must match exactly one inventory entry.
func resolvePartFile(descriptor policy.PDFSetPart, root string, inventory []string) (string, string, error) {
	if descriptor.PreferredFilename != "" {
		preferred := filepath.Join(root, descriptor.PreferredFilename)
		if _, err := os.Stat(preferred); err == nil {
			return preferred, "preferred_exact", nil
		}
	}
	if descriptor.FallbackPattern == "" {
		return "", "", fmt.Errorf("missing %s and no fallback pattern", descriptor.PreferredFilename)
	}
	pattern, err := regexp.Compile(descriptor.FallbackPattern)
	if err != nil {
		return "", "", err
	}
	var candidates []string
	for _, path := range inventory {
		if pattern.MatchString(filepath.Base(path)) {
			candidates = append(candidates, path)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], "fallback_regex", nil
	case 0:
		return "", "", fmt.Errorf("no file matches %q under %s", descriptor.FallbackPattern, root)
	default:
		return "", "", fmt.Errorf("ambiguous matches for %q: %s",
			descriptor.FallbackPattern, strings.Join(candidates, ", "))
	}
}
