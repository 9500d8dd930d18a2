// Package deps verifies the external binaries the extraction engine shells
// out to. The extract phase refuses to start when a required tool is missing
// so operators see one actionable report instead of mid-run failures.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external dependency lode relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// ExtractionRequirements lists the tools the extraction engine invokes.
// Tesseract is optional in the sense that primary-only corpora never reach
// the OCR fallback, but a missing binary still blocks runs whose policy
// allows fallback.
func ExtractionRequirements(pdftotext, pdftoppm, tesseract string) []Requirement {
	return []Requirement{
		{
			Name:        "pdftotext",
			Command:     pdftotext,
			Description: "Required for primary layout-aware extraction",
		},
		{
			Name:        "pdftoppm",
			Command:     pdftoppm,
			Description: "Required for rasterizing pages on the OCR fallback path",
		},
		{
			Name:        "tesseract",
			Command:     tesseract,
			Description: "Required for OCR fallback and orientation probes",
		},
	}
}

// FirstMissing returns the first required dependency that is unavailable.
func FirstMissing(statuses []Status) (Status, bool) {
	for _, status := range statuses {
		if !status.Optional && !status.Available {
			return status, true
		}
	}
	return Status{}, false
}
