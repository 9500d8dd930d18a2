// Package policy loads the checked-in descriptors that parameterize a run:
// the source PDF set (which files embody which standard parts, with declared
// hashes), the relevance policy (in-scope and required parts), and the
// extraction policy (quality-gate thresholds). All three are JSONC files so
// maintainers can annotate them in place.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"lode/internal/jsonc"
	"lode/internal/services"
)

// HashPending marks a declared hash that has not been locked yet. It is
// accepted only under the explicit --lock-source-hashes flow.
const HashPending = "PENDING"

// PDFSetPart describes one standard part's source document.
type PDFSetPart struct {
	Part              string `json:"part"`
	PreferredFilename string `json:"preferred_filename"`
	FallbackPattern   string `json:"fallback_pattern"`
	SHA256            string `json:"sha256"`
}

// PDFSet is the source-document-set descriptor.
type PDFSet struct {
	StandardID string       `json:"standard_id"`
	Edition    string       `json:"edition"`
	Parts      []PDFSetPart `json:"parts"`
}

// LoadPDFSet reads and validates a pdfset descriptor.
func LoadPDFSet(path string) (*PDFSet, error) {
	var set PDFSet
	if err := jsonc.ReadFile(path, &set); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "pdfset", path, err)
	}
	if strings.TrimSpace(set.StandardID) == "" {
		return nil, services.Wrap(services.ErrValidation, "", "pdfset", "standard_id required in "+path, nil)
	}
	if strings.TrimSpace(set.Edition) == "" {
		return nil, services.Wrap(services.ErrValidation, "", "pdfset", "edition required in "+path, nil)
	}
	seen := make(map[string]struct{}, len(set.Parts))
	for i, part := range set.Parts {
		if strings.TrimSpace(part.Part) == "" {
			return nil, services.Wrap(services.ErrValidation, "", "pdfset",
				fmt.Sprintf("parts[%d] missing part id in %s", i, path), nil)
		}
		if _, dup := seen[part.Part]; dup {
			return nil, services.Wrap(services.ErrValidation, "", "pdfset",
				fmt.Sprintf("duplicate part %s in %s", part.Part, path), nil)
		}
		seen[part.Part] = struct{}{}
		if part.FallbackPattern != "" {
			if _, err := regexp.Compile(part.FallbackPattern); err != nil {
				return nil, services.Wrap(services.ErrValidation, "", "pdfset",
					fmt.Sprintf("part %s fallback pattern", part.Part), err)
			}
		}
	}
	return &set, nil
}

// Lookup returns the descriptor row for part.
func (s *PDFSet) Lookup(part string) (PDFSetPart, bool) {
	for _, row := range s.Parts {
		if row.Part == part {
			return row, true
		}
	}
	return PDFSetPart{}, false
}

// SetHash locks the declared hash for part.
func (s *PDFSet) SetHash(part, sha string) {
	for i := range s.Parts {
		if s.Parts[i].Part == part {
			s.Parts[i].SHA256 = sha
			return
		}
	}
}

// RelevantPolicy scopes the corpus: which parts are mined at all, and which
// carry the hard quality gate on publish/verify.
type RelevantPolicy struct {
	InScopeParts  []string `json:"in_scope_parts"`
	RequiredParts []string `json:"required_parts"`
}

// LoadRelevantPolicy reads and validates a relevance policy descriptor.
// Required parts default to the in-scope set when omitted.
func LoadRelevantPolicy(path string) (*RelevantPolicy, error) {
	var pol RelevantPolicy
	if err := jsonc.ReadFile(path, &pol); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "relevant-policy", path, err)
	}
	pol.InScopeParts = cleanParts(pol.InScopeParts)
	pol.RequiredParts = cleanParts(pol.RequiredParts)
	if len(pol.InScopeParts) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "relevant-policy",
			"in_scope_parts must not be empty in "+path, nil)
	}
	if len(pol.RequiredParts) == 0 {
		pol.RequiredParts = append([]string(nil), pol.InScopeParts...)
	}
	for _, part := range pol.RequiredParts {
		if !contains(pol.InScopeParts, part) {
			return nil, services.Wrap(services.ErrValidation, "", "relevant-policy",
				fmt.Sprintf("required part %s not in scope in %s", part, path), nil)
		}
	}
	return &pol, nil
}

func cleanParts(parts []string) []string {
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(parts []string, part string) bool {
	for _, candidate := range parts {
		if candidate == part {
			return true
		}
	}
	return false
}

// ExtractionPolicy holds the primary-extraction quality gates. Zero values
// are replaced with the documented defaults so a minimal descriptor stays
// valid.
type ExtractionPolicy struct {
	PolicyID                    string  `json:"policy_id"`
	NonBlankInkCoverageRatioMin float64 `json:"non_blank_ink_coverage_ratio_min"`
	PrimaryLowCharCountThresh   int     `json:"primary_low_char_count_threshold"`
	ReplacementCharRatioMax     float64 `json:"replacement_char_ratio_max"`
	ControlCharRatioMax         float64 `json:"control_char_ratio_max"`
}

// DefaultExtractionPolicy returns the documented gate thresholds.
func DefaultExtractionPolicy() *ExtractionPolicy {
	return &ExtractionPolicy{
		PolicyID:                    "extraction_policy_v1",
		NonBlankInkCoverageRatioMin: 0.005,
		PrimaryLowCharCountThresh:   80,
		ReplacementCharRatioMax:     0.005,
		ControlCharRatioMax:         0.01,
	}
}

// LoadExtractionPolicy reads an extraction policy descriptor; an empty path
// yields the defaults.
func LoadExtractionPolicy(path string) (*ExtractionPolicy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultExtractionPolicy(), nil
	}
	pol := DefaultExtractionPolicy()
	if err := jsonc.ReadFile(path, pol); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "extraction-policy", path, err)
	}
	defaults := DefaultExtractionPolicy()
	if pol.PolicyID == "" {
		pol.PolicyID = defaults.PolicyID
	}
	if pol.NonBlankInkCoverageRatioMin <= 0 {
		pol.NonBlankInkCoverageRatioMin = defaults.NonBlankInkCoverageRatioMin
	}
	if pol.PrimaryLowCharCountThresh <= 0 {
		pol.PrimaryLowCharCountThresh = defaults.PrimaryLowCharCountThresh
	}
	if pol.ReplacementCharRatioMax <= 0 {
		pol.ReplacementCharRatioMax = defaults.ReplacementCharRatioMax
	}
	if pol.ControlCharRatioMax <= 0 {
		pol.ControlCharRatioMax = defaults.ControlCharRatioMax
	}
	return pol, nil
}
