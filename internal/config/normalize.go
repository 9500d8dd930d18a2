package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSource(); err != nil {
		return err
	}
	c.normalizeExtract()
	c.normalizeOCR()
	c.normalizeQuery()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.ReportsRoot, err = expandPath(c.Paths.ReportsRoot); err != nil {
		return fmt.Errorf("paths.reports_root: %w", err)
	}
	if c.Paths.CacheRoot, err = expandPath(c.Paths.CacheRoot); err != nil {
		return fmt.Errorf("paths.cache_root: %w", err)
	}
	if c.Paths.RegistryRoot, err = expandPath(c.Paths.RegistryRoot); err != nil {
		return fmt.Errorf("paths.registry_root: %w", err)
	}
	if c.Paths.PDFRoot, err = expandPath(c.Paths.PDFRoot); err != nil {
		return fmt.Errorf("paths.pdf_root: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSource() error {
	c.Source.Mode = strings.ToLower(strings.TrimSpace(c.Source.Mode))
	if c.Source.Mode == "" {
		c.Source.Mode = defaultSourceMode
	}
	var err error
	if c.Source.PDFSet, err = expandPath(strings.TrimSpace(c.Source.PDFSet)); err != nil {
		return fmt.Errorf("source.pdfset: %w", err)
	}
	if c.Source.RelevantPolicy, err = expandPath(strings.TrimSpace(c.Source.RelevantPolicy)); err != nil {
		return fmt.Errorf("source.relevant_policy: %w", err)
	}
	// Extraction policy is optional; empty selects the embedded defaults.
	if trimmed := strings.TrimSpace(c.Source.ExtractionPolicy); trimmed != "" {
		if c.Source.ExtractionPolicy, err = expandPath(trimmed); err != nil {
			return fmt.Errorf("source.extraction_policy: %w", err)
		}
	} else {
		c.Source.ExtractionPolicy = ""
	}
	return nil
}

func (c *Config) normalizeExtract() {
	if strings.TrimSpace(c.Extract.PDFToTextBinary) == "" {
		c.Extract.PDFToTextBinary = defaultPDFToTextBinary
	}
	if strings.TrimSpace(c.Extract.PDFToPPMBinary) == "" {
		c.Extract.PDFToPPMBinary = defaultPDFToPPMBinary
	}
	if c.Extract.Workers <= 0 {
		c.Extract.Workers = defaultExtractWorkers
	}
	if c.Extract.RenderDPI <= 0 {
		c.Extract.RenderDPI = defaultRenderDPI
	}
}

func (c *Config) normalizeOCR() {
	if strings.TrimSpace(c.OCR.TesseractBinary) == "" {
		c.OCR.TesseractBinary = defaultTesseractBinary
	}
	c.OCR.Language = strings.TrimSpace(c.OCR.Language)
	if c.OCR.Language == "" {
		c.OCR.Language = defaultOCRLanguage
	}
}

func (c *Config) normalizeQuery() {
	if c.Query.ResultLimit <= 0 {
		c.Query.ResultLimit = defaultQueryResultLimit
	}
	c.Query.GuidelinePointer = strings.TrimSpace(c.Query.GuidelinePointer)
	if c.Query.GuidelinePointer == "" {
		c.Query.GuidelinePointer = defaultGuidelinePointer
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
