package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Source resolution modes. The mode only changes how source documents are
// located and hash-checked; pipeline logic is identical in both.
const (
	ModeFixtureCI     = "fixture_ci"
	ModeLicensedLocal = "licensed_local"
)

// Paths contains the directory roots for the three artifact planes plus
// logging.
type Paths struct {
	// ReportsRoot is the control plane: per-run state, checkpoints,
	// checklists, and summaries that are safe to commit.
	ReportsRoot string `toml:"reports_root"`
	// CacheRoot is the data plane: verbatim page text, OCR work files,
	// and the query index. Never committed.
	CacheRoot string `toml:"cache_root"`
	// RegistryRoot is the publish target: corpus shards, manifests, and
	// the anchor registry.
	RegistryRoot string `toml:"registry_root"`
	// PDFRoot holds the licensed source documents (or CI fixtures).
	PDFRoot string `toml:"pdf_root"`
	LogDir  string `toml:"log_dir"`
}

// Source contains the run mode and descriptor file locations.
type Source struct {
	Mode             string `toml:"mode"`
	PDFSet           string `toml:"pdfset"`
	RelevantPolicy   string `toml:"relevant_policy"`
	ExtractionPolicy string `toml:"extraction_policy"`
}

// Extract contains configuration for primary text extraction and page
// rendering.
type Extract struct {
	PDFToTextBinary string `toml:"pdftotext_binary"`
	PDFToPPMBinary  string `toml:"pdftoppm_binary"`
	Workers         int    `toml:"workers"`
	RenderDPI       int    `toml:"render_dpi"`
}

// OCR contains configuration for the tesseract fallback path.
type OCR struct {
	TesseractBinary string `toml:"tesseract_binary"`
	Language        string `toml:"language"`
}

// Query contains configuration for the deterministic query engine.
type Query struct {
	ResultLimit      int    `toml:"result_limit"`
	GuidelinePointer string `toml:"guideline_pointer"`
}

// Verify contains configuration for the verify phase. BuildCommand is an
// optional external argv (for example a documentation build) that must exit
// zero for verify to pass.
type Verify struct {
	BuildCommand []string `toml:"build_command"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for lode.
//
// Configuration sections by subsystem:
//   - Paths: control plane, data plane, registry, source PDFs, logs
//   - Source: run mode and descriptor locations (pdfset, policies)
//   - Extract: poppler binaries, worker pool size, render DPI
//   - OCR: tesseract binary and language
//   - Query: result limit and trademark guideline pointer
//   - Verify: optional external build command
//   - Logging: log format and level
type Config struct {
	Paths   Paths   `toml:"paths"`
	Source  Source  `toml:"source"`
	Extract Extract `toml:"extract"`
	OCR     OCR     `toml:"ocr"`
	Query   Query   `toml:"query"`
	Verify  Verify  `toml:"verify"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lode/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/lode/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lode.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directory roots a run writes into. PDFRoot
// is created on a best-effort basis so configuration load succeeds when the
// licensed source volume is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ReportsRoot, c.Paths.CacheRoot, c.Paths.RegistryRoot, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.PDFRoot) != "" {
		_ = os.MkdirAll(c.Paths.PDFRoot, 0o755)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
