package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateExtract(); err != nil {
		return err
	}
	if err := c.validateOCR(); err != nil {
		return err
	}
	if err := c.validateQuery(); err != nil {
		return err
	}
	if err := c.validateVerify(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	checks := []struct {
		key   string
		value string
	}{
		{"paths.reports_root", c.Paths.ReportsRoot},
		{"paths.cache_root", c.Paths.CacheRoot},
		{"paths.registry_root", c.Paths.RegistryRoot},
		{"paths.pdf_root", c.Paths.PDFRoot},
		{"paths.log_dir", c.Paths.LogDir},
	}
	for _, check := range checks {
		if strings.TrimSpace(check.value) == "" {
			return fmt.Errorf("%s must be set", check.key)
		}
	}
	return nil
}

func (c *Config) validateSource() error {
	switch c.Source.Mode {
	case ModeFixtureCI, ModeLicensedLocal:
	default:
		return fmt.Errorf("source.mode must be %q or %q, got %q", ModeFixtureCI, ModeLicensedLocal, c.Source.Mode)
	}
	if strings.TrimSpace(c.Source.PDFSet) == "" {
		return errors.New("source.pdfset must be set")
	}
	if strings.TrimSpace(c.Source.RelevantPolicy) == "" {
		return errors.New("source.relevant_policy must be set")
	}
	return nil
}

func (c *Config) validateExtract() error {
	if c.Extract.Workers < 1 {
		return errors.New("extract.workers must be at least 1")
	}
	if c.Extract.RenderDPI < 72 || c.Extract.RenderDPI > 1200 {
		return fmt.Errorf("extract.render_dpi must be between 72 and 1200, got %d", c.Extract.RenderDPI)
	}
	return nil
}

func (c *Config) validateOCR() error {
	if strings.TrimSpace(c.OCR.Language) == "" {
		return errors.New("ocr.language must be set")
	}
	return nil
}

func (c *Config) validateQuery() error {
	if c.Query.ResultLimit < 1 {
		return errors.New("query.result_limit must be at least 1")
	}
	return nil
}

func (c *Config) validateVerify() error {
	for i, arg := range c.Verify.BuildCommand {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("verify.build_command[%d] must not be blank", i)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognized", c.Logging.Level)
	}
	return nil
}
