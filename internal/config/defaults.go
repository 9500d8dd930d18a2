package config

const (
	defaultReportsRoot      = "~/.local/share/lode/reports"
	defaultCacheRoot        = "~/.local/share/lode/cache"
	defaultRegistryRoot     = "~/.local/share/lode/registry"
	defaultPDFRoot          = "~/standards/pdf"
	defaultLogDir           = "~/.local/share/lode/logs"
	defaultSourceMode       = ModeFixtureCI
	defaultPDFSetPath       = "~/.config/lode/source-pdfset.jsonc"
	defaultRelevantPolicy   = "~/.config/lode/relevant-pdf-policy.jsonc"
	defaultPDFToTextBinary  = "pdftotext"
	defaultPDFToPPMBinary   = "pdftoppm"
	defaultExtractWorkers   = 4
	defaultRenderDPI        = 300
	defaultTesseractBinary  = "tesseract"
	defaultOCRLanguage      = "eng"
	defaultQueryResultLimit = 25
	defaultGuidelinePointer = "docs/trademark-usage.md"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ReportsRoot:  defaultReportsRoot,
			CacheRoot:    defaultCacheRoot,
			RegistryRoot: defaultRegistryRoot,
			PDFRoot:      defaultPDFRoot,
			LogDir:       defaultLogDir,
		},
		Source: Source{
			Mode:           defaultSourceMode,
			PDFSet:         defaultPDFSetPath,
			RelevantPolicy: defaultRelevantPolicy,
		},
		Extract: Extract{
			PDFToTextBinary: defaultPDFToTextBinary,
			PDFToPPMBinary:  defaultPDFToPPMBinary,
			Workers:         defaultExtractWorkers,
			RenderDPI:       defaultRenderDPI,
		},
		OCR: OCR{
			TesseractBinary: defaultTesseractBinary,
			Language:        defaultOCRLanguage,
		},
		Query: Query{
			ResultLimit:      defaultQueryResultLimit,
			GuidelinePointer: defaultGuidelinePointer,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
