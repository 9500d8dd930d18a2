package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lode/internal/config"
	"lode/internal/logging"
	"lode/internal/policy"
	"lode/internal/prewarm"
	"lode/internal/runpaths"
	"lode/internal/runstate"
)

// WritePDFSet writes a pdfset descriptor covering the named parts, points the
// config at it, and returns its path. Hashes are left PENDING.
func WritePDFSet(t testing.TB, cfg *config.Config, standardID, edition string, parts ...string) string {
	t.Helper()
	body := "// test fixture\n{\n"
	body += fmt.Sprintf("  %q: %q,\n", "standard_id", standardID)
	body += fmt.Sprintf("  %q: %q,\n", "edition", edition)
	body += "  \"parts\": [\n"
	for i, part := range parts {
		comma := ","
		if i == len(parts)-1 {
			comma = ""
		}
		body += fmt.Sprintf("    {\"part\": %q, \"preferred_filename\": %q, \"fallback_pattern\": %q, \"sha256\": %q}%s\n",
			part, part+".pdf", "(?i)"+part+".*\\.pdf$", policy.HashPending, comma)
	}
	body += "  ]\n}\n"
	path := filepath.Join(BaseDir(cfg), "source-pdfset.jsonc")
	writeFixture(t, path, body)
	cfg.Source.PDFSet = path
	return path
}

// WriteRelevantPolicy writes a relevance policy descriptor, points the config
// at it, and returns its path.
func WriteRelevantPolicy(t testing.TB, cfg *config.Config, inScope, required []string) string {
	t.Helper()
	body := "{\n  \"in_scope_parts\": ["
	for i, part := range inScope {
		if i > 0 {
			body += ", "
		}
		body += fmt.Sprintf("%q", part)
	}
	body += "],\n  \"required_parts\": ["
	for i, part := range required {
		if i > 0 {
			body += ", "
		}
		body += fmt.Sprintf("%q", part)
	}
	body += "]\n}\n"
	path := filepath.Join(BaseDir(cfg), "relevant-pdf-policy.jsonc")
	writeFixture(t, path, body)
	cfg.Source.RelevantPolicy = path
	return path
}

func writeFixture(t testing.TB, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// NewRun assembles a bootstrapped runstate.Run over the test config. The
// descriptor paths in cfg.Source must already exist; WritePDFSet and
// WriteRelevantPolicy set them up.
func NewRun(t testing.TB, cfg *config.Config, runID string) *runstate.Run {
	t.Helper()
	if runID == "" {
		runID = "mine-test"
	}
	paths := runpaths.New(runID,
		filepath.Join(cfg.Paths.ReportsRoot, runID),
		filepath.Join(cfg.Paths.CacheRoot, runID),
		cfg.Paths.PDFRoot, cfg.Paths.RegistryRoot)
	if err := paths.EnsureControlDirs(); err != nil {
		t.Fatalf("ensure control dirs: %v", err)
	}
	if err := paths.EnsureDataDirs(); err != nil {
		t.Fatalf("ensure data dirs: %v", err)
	}

	pdfSet, err := policy.LoadPDFSet(cfg.Source.PDFSet)
	if err != nil {
		t.Fatalf("load pdfset: %v", err)
	}
	relevant, err := policy.LoadRelevantPolicy(cfg.Source.RelevantPolicy)
	if err != nil {
		t.Fatalf("load relevance policy: %v", err)
	}

	writer := runstate.NewWriter(false)
	state, err := runstate.BootstrapState(writer, paths, runstate.BootstrapInput{
		RunID:              runID,
		Mode:               cfg.Source.Mode,
		Paths:              paths,
		SourcePDFSetPath:   cfg.Source.PDFSet,
		RelevantPolicyPath: cfg.Source.RelevantPolicy,
		RequiredParts:      relevant.RequiredParts,
	})
	if err != nil {
		t.Fatalf("bootstrap state: %v", err)
	}
	checklist, err := runstate.LoadChecklist(writer, paths.ChecklistFile(), runID)
	if err != nil {
		t.Fatalf("load checklist: %v", err)
	}

	return &runstate.Run{
		ID:               runID,
		Mode:             cfg.Source.Mode,
		Paths:            paths,
		State:            state,
		Checklist:        checklist,
		Log:              runstate.NewRunLog(writer, paths.RunLog()),
		Writer:           writer,
		Logger:           logging.NewNop(),
		PDFSet:           pdfSet,
		RelevantPolicy:   relevant,
		ExtractionPolicy: policy.DefaultExtractionPolicy(),
		SourcePDFSetPath: cfg.Source.PDFSet,
	}
}

// SeedPageTexts writes page-text and page-block fixtures for one part into
// the run's prewarm cache and returns the rows. Page numbers start at 1.
func SeedPageTexts(t testing.TB, run *runstate.Run, part string, texts []string) []prewarm.PageText {
	t.Helper()
	var pages []prewarm.PageText
	var blocks []prewarm.PageBlock
	for i, text := range texts {
		page := i + 1
		textSHA := prewarm.TextSHA256(text)
		recordID := prewarm.PageRecordID(part, page, "primary", textSHA)
		pages = append(pages, prewarm.PageText{
			RecordID:   recordID,
			Part:       part,
			Page:       page,
			Method:     "primary",
			Text:       text,
			TextSHA256: textSHA,
		})
		for ordinal, block := range prewarm.SplitBlocks(text) {
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
	store := prewarm.NewStore(run.Paths, run.Writer)
	if err := store.WritePageArtifacts(pages, blocks); err != nil {
		t.Fatalf("write page artifacts: %v", err)
	}
	return pages
}
