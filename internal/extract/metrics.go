package extract

import (
	"regexp"
	"strings"
	"unicode"

	"lode/internal/policy"
)

// Reason codes for primary-extraction hard failures. Any reason escalates
// the page to OCR fallback.
const (
	ReasonParserError          = "primary_parser_error"
	ReasonZeroTextNonBlank     = "primary_zero_text_nonblank"
	ReasonLowCharCount         = "primary_low_char_count_text_bearing"
	ReasonReplacementCharRatio = "primary_replacement_char_ratio_high"
	ReasonControlCharRatio     = "primary_control_char_ratio_high"
)

// Method values for a page decision.
const (
	MethodPrimary     = "primary"
	MethodOCRFallback = "ocr_fallback"
)

var markerRE = regexp.MustCompile(`(?m)(^\s*(?:[-*]|\d+[\.)]|[A-Za-z][\.)]))|\|`)

// PageMetrics are the deterministic quality measurements over one page's
// primary extraction output.
type PageMetrics struct {
	InkCoverageRatio     float64 `json:"ink_coverage_ratio"`
	NonBlank             bool    `json:"non_blank"`
	ExtractedCharCount   int     `json:"extracted_char_count"`
	TextObjectCount      int     `json:"pdf_text_object_count"`
	LayoutRegionCount    int     `json:"layout_text_region_count"`
	MarkerCount          int     `json:"list_or_table_text_marker_count"`
	ReplacementCharRatio float64 `json:"replacement_char_ratio"`
	ControlCharRatio     float64 `json:"control_char_ratio"`
	TextBearingExpected  bool    `json:"text_bearing_expected"`
	ParserError          bool    `json:"parser_error"`
}

// MeasurePage computes page metrics from primary extraction output. The ink
// coverage proxy is 0.02 for text-bearing pages and 0.0 for blank ones; the
// text-object count proxy is chars/40+1.
func MeasurePage(text string, parserError bool, pol *policy.ExtractionPolicy) PageMetrics {
	charCount := 0
	replacementCount := 0
	controlCount := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			charCount++
		}
		if r == '�' {
			replacementCount++
		}
		if r < 0x20 && !strings.ContainsRune("\n\r\t\f\v", r) {
			controlCount++
		}
	}

	metrics := PageMetrics{
		ExtractedCharCount: charCount,
		MarkerCount:        len(markerRE.FindAllString(text, -1)),
		ParserError:        parserError,
	}
	if charCount > 0 {
		metrics.InkCoverageRatio = 0.02
		metrics.TextObjectCount = charCount/40 + 1
		metrics.LayoutRegionCount = 1
		metrics.ReplacementCharRatio = float64(replacementCount) / float64(charCount)
		metrics.ControlCharRatio = float64(controlCount) / float64(charCount)
	}
	metrics.NonBlank = metrics.InkCoverageRatio >= pol.NonBlankInkCoverageRatioMin
	metrics.TextBearingExpected = metrics.TextObjectCount >= 3 ||
		metrics.LayoutRegionCount >= 1 ||
		metrics.MarkerCount >= 1
	return metrics
}

// HardFailReasons evaluates the policy gates over measured metrics. An empty
// result means primary extraction stands; otherwise the page escalates to
// OCR.
func HardFailReasons(m PageMetrics, pol *policy.ExtractionPolicy) []string {
	var reasons []string
	if m.NonBlank && m.ExtractedCharCount == 0 {
		reasons = append(reasons, ReasonZeroTextNonBlank)
	}
	if m.NonBlank && m.TextBearingExpected && m.ExtractedCharCount < pol.PrimaryLowCharCountThresh {
		reasons = append(reasons, ReasonLowCharCount)
	}
	if m.ReplacementCharRatio > pol.ReplacementCharRatioMax {
		reasons = append(reasons, ReasonReplacementCharRatio)
	}
	if m.ControlCharRatio > pol.ControlCharRatioMax {
		reasons = append(reasons, ReasonControlCharRatio)
	}
	if m.ParserError {
		reasons = append(reasons, ReasonParserError)
	}
	return reasons
}
