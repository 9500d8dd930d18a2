// Package tesseract mediates access to the tesseract CLI for the OCR
// fallback path.
//
// It exposes the orientation (OSD) probe that drives the auto-rotate policy
// and TSV recognition that yields per-word confidences for quality banding.
// Both streams of tesseract output are merged before parsing because the
// tool splits reports across stdout and stderr depending on version.
package tesseract
