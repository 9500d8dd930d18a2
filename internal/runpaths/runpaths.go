// Package runpaths computes every control-plane and data-plane location for
// a run. Centralizing the layout keeps the two planes from bleeding into
// each other: the control plane never holds verbatim text and the data plane
// is never committed.
package runpaths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves artifact locations for one run.
type Paths struct {
	RunID          string
	ControlRunRoot string
	DataRoot       string
	PDFRoot        string
	RegistryRoot   string
}

// New builds the path layout for a run.
func New(runID, controlRunRoot, dataRoot, pdfRoot, registryRoot string) Paths {
	return Paths{
		RunID:          runID,
		ControlRunRoot: controlRunRoot,
		DataRoot:       dataRoot,
		PDFRoot:        pdfRoot,
		RegistryRoot:   registryRoot,
	}
}

// Control plane.

func (p Paths) StateFile() string     { return filepath.Join(p.ControlRunRoot, "state", "run-state.env") }
func (p Paths) ChecklistFile() string { return filepath.Join(p.ControlRunRoot, "state", "checklist.env") }
func (p Paths) LockFile() string      { return filepath.Join(p.ControlRunRoot, "lock", "active.lock") }
func (p Paths) RunLog() string        { return filepath.Join(p.ControlRunRoot, "logs", "run.log") }

func (p Paths) CheckpointDir() string {
	return filepath.Join(p.ControlRunRoot, "artifacts", "checkpoints")
}

func (p Paths) CheckpointFile(phase string) string {
	return filepath.Join(p.CheckpointDir(), phase+".done.json")
}

// ControlArtifact points into the per-phase control artifact directory.
func (p Paths) ControlArtifact(phase string, name string) string {
	return filepath.Join(p.ControlRunRoot, "artifacts", phase, name)
}

func (p Paths) PublishBeginMarker() string  { return p.ControlArtifact("publish", "publish.begin") }
func (p Paths) PublishCommitMarker() string { return p.ControlArtifact("publish", "publish.commit") }

// Source-integration markers are written by the external authoring layer;
// the reconciler only reads them.
func (p Paths) SrcIntegrationBegin() string {
	return filepath.Join(p.ControlRunRoot, "artifacts", "src-integration.begin")
}

func (p Paths) SrcIntegrationCommit() string {
	return filepath.Join(p.ControlRunRoot, "artifacts", "src-integration.commit")
}

// Data plane (verbatim prewarm cache and OCR intermediates).

func (p Paths) PageTextFile() string {
	return filepath.Join(p.DataRoot, "extract", "verbatim", "page-text.jsonl")
}

func (p Paths) PageBlocksFile() string {
	return filepath.Join(p.DataRoot, "extract", "verbatim", "page-blocks.jsonl")
}

func (p Paths) PageIndexFile() string {
	return filepath.Join(p.DataRoot, "extract", "verbatim", "page-index.json")
}

func (p Paths) PageSignaturesFile() string {
	return filepath.Join(p.DataRoot, "extract", "verbatim", "page-signatures.jsonl")
}

// OCRWorkDir holds rendered page images and rotation intermediates.
func (p Paths) OCRWorkDir(part string) string {
	return filepath.Join(p.DataRoot, "extract", "ocr", part)
}

// RenderPrefix is the pdftoppm output prefix for one page.
func (p Paths) RenderPrefix(part string, page int) string {
	return filepath.Join(p.OCRWorkDir(part), fmt.Sprintf("page_%04d", page))
}

func (p Paths) UnitSlicesFile() string {
	return filepath.Join(p.DataRoot, "normalize", "verbatim", "unit-slices.jsonl")
}

func (p Paths) UnitTextLinksFile() string {
	return filepath.Join(p.DataRoot, "normalize", "verbatim", "unit-text-links.jsonl")
}

func (p Paths) NormalizedUnitsFile() string {
	return filepath.Join(p.DataRoot, "normalize", "normalized-units.jsonl")
}

func (p Paths) QuerySourceRowsFile() string {
	return filepath.Join(p.DataRoot, "query", "query-source-rows.jsonl")
}

func (p Paths) AnchorTextLinksFile() string {
	return filepath.Join(p.DataRoot, "anchor", "verbatim", "anchor-text-links.jsonl")
}

func (p Paths) AnchorLinkIndexFile() string {
	return filepath.Join(p.DataRoot, "anchor", "verbatim", "anchor-link-index.json")
}

func (p Paths) QueryIndexDir() string { return filepath.Join(p.DataRoot, "query", "index") }

func (p Paths) QueryIndexDB() string { return filepath.Join(p.QueryIndexDir(), "prewarm.db") }

func (p Paths) QueryIndexManifest() string {
	return filepath.Join(p.QueryIndexDir(), "index-manifest.json")
}

// Checked-in registry.

func (p Paths) PartDir(edition, part string) string {
	return filepath.Join(p.RegistryRoot, "corpus", edition, part)
}

func (p Paths) PartShard(edition, part string, shard int) string {
	return filepath.Join(p.PartDir(edition, part), fmt.Sprintf("paragraph-%04d.jsonl", shard))
}

func (p Paths) ClauseManifest(edition, part string) string {
	return filepath.Join(p.PartDir(edition, part), "clause-manifest.jsonc")
}

func (p Paths) PartManifest(edition, part string) string {
	return filepath.Join(p.PartDir(edition, part), "part-manifest.jsonc")
}

func (p Paths) AnchorRegistry() string {
	return filepath.Join(p.RegistryRoot, "index", "anchor-registry.jsonc")
}

func (p Paths) CorpusManifest() string {
	return filepath.Join(p.RegistryRoot, "index", "corpus-manifest.jsonc")
}

// EnsureControlDirs creates the control-plane skeleton.
func (p Paths) EnsureControlDirs() error {
	dirs := []string{
		filepath.Join(p.ControlRunRoot, "state"),
		filepath.Join(p.ControlRunRoot, "lock"),
		filepath.Join(p.ControlRunRoot, "logs"),
		p.CheckpointDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureDataDirs creates the data-plane skeleton.
func (p Paths) EnsureDataDirs() error {
	dirs := []string{
		filepath.Join(p.DataRoot, "extract", "verbatim"),
		filepath.Join(p.DataRoot, "extract", "ocr"),
		filepath.Join(p.DataRoot, "normalize", "verbatim"),
		filepath.Join(p.DataRoot, "anchor", "verbatim"),
		p.QueryIndexDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
