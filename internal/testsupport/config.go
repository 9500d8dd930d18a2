package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"lode/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ReportsRoot = filepath.Join(base, "reports")
	cfgVal.Paths.CacheRoot = filepath.Join(base, "cache")
	cfgVal.Paths.RegistryRoot = filepath.Join(base, "registry")
	cfgVal.Paths.PDFRoot = filepath.Join(base, "pdfs")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Source.Mode = config.ModeFixtureCI
	cfgVal.Extract.Workers = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := cfgVal.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMode overrides the source resolution mode.
func WithMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Source.Mode = mode
	}
}

// WithStubbedBinaries points the extraction tool paths at tiny shell stubs
// so pipeline tests can run without poppler or tesseract installed.
func WithStubbedBinaries() ConfigOption {
	return func(b *configBuilder) {
		b.t.Helper()
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		b.cfg.Extract.PDFToTextBinary = writeStub(b.t, binDir, "pdftotext",
			"#!/bin/sh\nprintf 'Stub clause text for extraction.\\n'\n")
		b.cfg.Extract.PDFToPPMBinary = writeStub(b.t, binDir, "pdftoppm",
			"#!/bin/sh\nfor last; do :; done\n: > \"$last.png\"\n")
		b.cfg.OCR.TesseractBinary = writeStub(b.t, binDir, "tesseract",
			"#!/bin/sh\nexit 0\n")
	}
}

func writeStub(t testing.TB, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ReportsRoot)
}
