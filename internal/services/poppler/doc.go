// Package poppler mediates access to the poppler-utils CLI tools used by the
// extraction engine.
//
// It normalizes pdftotext invocation for single-page layout-aware extraction,
// drives pdftoppm rasterization for the OCR fallback path, and exposes a
// testable Executor seam so page-level policy logic can be exercised without
// the binaries installed. Page counting goes through pdfcpu rather than a
// pdfinfo subprocess.
package poppler
