package extract

import (
	"sort"

	"lode/internal/services/tesseract"
)

// OCR quality bands, ordered from best to worst.
const (
	BandPass        = "pass"
	BandNeedsReview = "needs_review"
	BandFail        = "fail"
)

// Tokens below this confidence count against the low-confidence ratio.
const lowConfidenceThreshold = 60.0

// Auto-rotation requires at least this much orientation confidence;
// otherwise OCR proceeds unrotated and is scored as-is.
const orientationConfidenceMin = 15.0

// OCRMetrics are the confidence measurements over one OCR'd page.
type OCRMetrics struct {
	MeanConfidence        float64 `json:"mean_confidence"`
	MedianConfidence      float64 `json:"median_confidence"`
	P25Confidence         float64 `json:"p25_confidence"`
	LowConfidenceRatio    float64 `json:"low_confidence_ratio"`
	TokenCount            int     `json:"token_count"`
	OrientationDegrees    int     `json:"orientation_degrees"`
	OrientationConfidence float64 `json:"orientation_confidence"`
	Rotated               bool    `json:"rotated"`
	QualityBand           string  `json:"quality_band"`
}

// MeasureOCR computes confidence metrics and the quality band from word
// tokens. Zero tokens is an outright fail.
func MeasureOCR(tokens []tesseract.Token) OCRMetrics {
	metrics := OCRMetrics{TokenCount: len(tokens), QualityBand: BandFail}
	if len(tokens) == 0 {
		return metrics
	}

	confidences := make([]float64, len(tokens))
	sum := 0.0
	low := 0
	for i, token := range tokens {
		confidences[i] = token.Confidence
		sum += token.Confidence
		if token.Confidence < lowConfidenceThreshold {
			low++
		}
	}
	sort.Float64s(confidences)

	metrics.MeanConfidence = sum / float64(len(confidences))
	metrics.MedianConfidence = percentile(confidences, 0.50)
	metrics.P25Confidence = percentile(confidences, 0.25)
	metrics.LowConfidenceRatio = float64(low) / float64(len(confidences))
	metrics.QualityBand = BandFor(metrics.MeanConfidence, metrics.P25Confidence, metrics.LowConfidenceRatio)
	return metrics
}

// BandFor classifies OCR quality. The banding is monotone: improving any
// input can never lower the band, and degrading any input can never raise
// it.
func BandFor(mean, p25, lowRatio float64) string {
	switch {
	case mean >= 85 && p25 >= 70 && lowRatio <= 0.10:
		return BandPass
	case mean >= 75 && p25 >= 55 && lowRatio <= 0.25:
		return BandNeedsReview
	default:
		return BandFail
	}
}

// percentile returns the p-quantile of sorted values using the
// nearest-rank-with-interpolation rule.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[lower]
	}
	fraction := rank - float64(lower)
	return sorted[lower]*(1-fraction) + sorted[upper]*fraction
}
