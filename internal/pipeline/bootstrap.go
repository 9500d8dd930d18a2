package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"lode/internal/anchor"
	"lode/internal/config"
	"lode/internal/deps"
	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/normalize"
	"lode/internal/policy"
	"lode/internal/publish"
	"lode/internal/replay"
	"lode/internal/runpaths"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/services/poppler"
	"lode/internal/services/tesseract"
	"lode/internal/stage"
	"lode/internal/verify"
)

// RunOptions carries CLI-level overrides for one controller invocation.
type RunOptions struct {
	RunID            string
	ControlRunRoot   string
	PDFRoot          string
	SourcePDFSet     string
	RelevantPolicy   string
	ExtractionPolicy string
	Mode             string
	LockSourceHashes bool
	DryRun           bool
	Logger           *slog.Logger
}

// NewRunID mints a fresh run identity.
func NewRunID() string {
	return "mine-" + uuid.NewString()
}

// BuildRun assembles the durable run value: layout, policies, state,
// checklist, and run log. A RunID naming an existing control root resumes
// that run; immutable-key drift is rejected at bootstrap.
func BuildRun(cfg *config.Config, opts RunOptions) (*runstate.Run, error) {
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = NewRunID()
	}

	controlRoot := opts.ControlRunRoot
	if controlRoot == "" {
		controlRoot = filepath.Join(cfg.Paths.ReportsRoot, runID)
	}
	pdfRoot := opts.PDFRoot
	if pdfRoot == "" {
		pdfRoot = cfg.Paths.PDFRoot
	}
	mode := opts.Mode
	if mode == "" {
		mode = cfg.Source.Mode
	}
	switch mode {
	case config.ModeFixtureCI, config.ModeLicensedLocal:
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "bootstrap",
			fmt.Sprintf("unknown mode %q", mode), nil)
	}

	paths := runpaths.New(runID, controlRoot,
		filepath.Join(cfg.Paths.CacheRoot, runID), pdfRoot, cfg.Paths.RegistryRoot)
	writer := runstate.NewWriter(opts.DryRun)
	if !writer.DryRun() {
		if err := paths.EnsureControlDirs(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "bootstrap", "", err)
		}
		if err := paths.EnsureDataDirs(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "bootstrap", "", err)
		}
	}

	pdfSetPath := firstNonEmpty(opts.SourcePDFSet, cfg.Source.PDFSet)
	pdfSet, err := policy.LoadPDFSet(pdfSetPath)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "bootstrap", "source pdfset", err)
	}
	relevantPath := firstNonEmpty(opts.RelevantPolicy, cfg.Source.RelevantPolicy)
	relevant, err := policy.LoadRelevantPolicy(relevantPath)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "bootstrap", "relevance policy", err)
	}
	extractionPath := firstNonEmpty(opts.ExtractionPolicy, cfg.Source.ExtractionPolicy)
	extraction := policy.DefaultExtractionPolicy()
	if extractionPath != "" {
		if extraction, err = policy.LoadExtractionPolicy(extractionPath); err != nil {
			return nil, services.Wrap(services.ErrValidation, "", "bootstrap", "extraction policy", err)
		}
	}

	state, err := runstate.BootstrapState(writer, paths, runstate.BootstrapInput{
		RunID:                runID,
		Mode:                 mode,
		Paths:                paths,
		SourcePDFSetPath:     pdfSetPath,
		RelevantPolicyPath:   relevantPath,
		ExtractionPolicyPath: extractionPath,
		RequiredParts:        relevant.RequiredParts,
	})
	if err != nil {
		return nil, err
	}
	checklist, err := runstate.LoadChecklist(writer, paths.ChecklistFile(), runID)
	if err != nil {
		return nil, err
	}

	return &runstate.Run{
		ID:               runID,
		Mode:             mode,
		Paths:            paths,
		State:            state,
		Checklist:        checklist,
		Log:              runstate.NewRunLog(writer, paths.RunLog()),
		Writer:           writer,
		Logger:           opts.Logger,
		PDFSet:           pdfSet,
		RelevantPolicy:   relevant,
		ExtractionPolicy: extraction,
		SourcePDFSetPath: pdfSetPath,
		LockSourceHashes: opts.LockSourceHashes,
	}, nil
}

// BuildHandlers wires the full phase handler set from configuration.
func BuildHandlers(cfg *config.Config, run *runstate.Run) ([]stage.Handler, error) {
	pop, err := poppler.New(cfg.Extract.PDFToTextBinary, cfg.Extract.PDFToPPMBinary, cfg.Extract.RenderDPI)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "bootstrap", "", err)
	}
	tess, err := tesseract.New(cfg.OCR.TesseractBinary, cfg.OCR.Language)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "bootstrap", "", err)
	}
	engine := extract.NewEngine(pop, tess, run.ExtractionPolicy, run.Paths, cfg.Extract.Workers, run.Logger)
	requirements := deps.ExtractionRequirements(
		cfg.Extract.PDFToTextBinary, cfg.Extract.PDFToPPMBinary, cfg.OCR.TesseractBinary)

	return []stage.Handler{
		ingest.NewStage(),
		extract.NewStage(engine, requirements),
		normalize.NewStage(),
		anchor.NewStage(),
		publish.NewStage(),
		verify.NewStage(cfg.Query.GuidelinePointer, cfg.Verify.BuildCommand),
		replay.NewStage(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
