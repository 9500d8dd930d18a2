package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"lode/internal/logging"
	"lode/internal/policy"
	"lode/internal/runpaths"
	"lode/internal/services/poppler"
	"lode/internal/services/tesseract"
)

// Decision is the non-verbatim record of how one page was extracted. It is
// written to the control plane, so it carries metrics and reasons but never
// page text.
type Decision struct {
	Part string `json:"part"`
	Page int    `json:"page"`
	PageMetrics
	Method      string      `json:"method"`
	ReasonCodes []string    `json:"reason_codes"`
	OCR         *OCRMetrics `json:"ocr,omitempty"`
}

// PageResult pairs a decision with the verbatim text destined for the
// prewarm cache.
type PageResult struct {
	Decision Decision
	Text     string
}

// Engine converts raw pages to text under the extraction policy's quality
// gates: layout-aware primary extraction first, OCR fallback when a gate
// trips.
type Engine struct {
	poppler *poppler.Client
	tess    *tesseract.Client
	policy  *policy.ExtractionPolicy
	paths   runpaths.Paths
	workers int
	logger  *slog.Logger
}

// NewEngine constructs the policy engine.
func NewEngine(pop *poppler.Client, tess *tesseract.Client, pol *policy.ExtractionPolicy, paths runpaths.Paths, workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		poppler: pop,
		tess:    tess,
		policy:  pol,
		paths:   paths,
		workers: workers,
		logger:  logging.NewComponentLogger(logger, "extract"),
	}
}

// ExtractPart runs every page of one part through the policy engine. Pages
// fan out across the worker pool; results are returned in page order so
// downstream artifacts stay deterministic.
func (e *Engine) ExtractPart(ctx context.Context, part, pdfPath string) ([]PageResult, error) {
	pageCount, err := poppler.PageCount(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("part %s: %w", part, err)
	}

	results := make([]PageResult, pageCount)
	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for workerID := 0; workerID < e.workers; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range jobs {
				result, err := e.ExtractPage(ctx, part, pdfPath, page)
				if err != nil {
					fail(fmt.Errorf("part %s page %d: %w", part, page, err))
					continue
				}
				results[page-1] = result
			}
		}()
	}

dispatch:
	for page := 1; page <= pageCount; page++ {
		select {
		case jobs <- page:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// ExtractPage runs the primary/fallback policy for a single page.
func (e *Engine) ExtractPage(ctx context.Context, part, pdfPath string, page int) (PageResult, error) {
	text, err := e.poppler.PageText(ctx, pdfPath, page)
	parserError := err != nil
	if parserError {
		if ctx.Err() != nil {
			return PageResult{}, ctx.Err()
		}
		e.logger.Warn("primary extraction failed",
			logging.String("part", part), logging.Int("page", page), logging.Error(err))
		text = ""
	}

	metrics := MeasurePage(text, parserError, e.policy)
	reasons := HardFailReasons(metrics, e.policy)
	decision := Decision{
		Part:        part,
		Page:        page,
		PageMetrics: metrics,
		Method:      MethodPrimary,
		ReasonCodes: sortedReasons(reasons),
	}
	if len(reasons) == 0 {
		return PageResult{Decision: decision, Text: text}, nil
	}

	decision.Method = MethodOCRFallback
	ocrText, ocrMetrics, err := e.ocrPage(ctx, part, pdfPath, page)
	if err != nil {
		return PageResult{}, err
	}
	decision.OCR = &ocrMetrics
	e.logger.Info("ocr fallback",
		logging.String("part", part),
		logging.Int("page", page),
		logging.String("band", ocrMetrics.QualityBand),
		logging.Float64("mean_confidence", ocrMetrics.MeanConfidence))
	return PageResult{Decision: decision, Text: ocrText}, nil
}

func (e *Engine) ocrPage(ctx context.Context, part, pdfPath string, page int) (string, OCRMetrics, error) {
	rendered, err := e.poppler.RenderPage(ctx, pdfPath, page, e.paths.RenderPrefix(part, page))
	if err != nil {
		return "", OCRMetrics{}, err
	}

	orientation, err := e.tess.DetectOrientation(ctx, rendered)
	if err != nil {
		return "", OCRMetrics{}, err
	}
	rotated := false
	if orientation.Confidence >= orientationConfidenceMin && orientation.Degrees != 0 {
		if err := rotatePNG(rendered, orientation.Degrees); err != nil {
			return "", OCRMetrics{}, err
		}
		rotated = true
	}

	tokens, text, err := e.tess.Recognize(ctx, rendered)
	if err != nil {
		return "", OCRMetrics{}, err
	}
	metrics := MeasureOCR(tokens)
	metrics.OrientationDegrees = orientation.Degrees
	metrics.OrientationConfidence = orientation.Confidence
	metrics.Rotated = rotated
	return text, metrics, nil
}

func sortedReasons(reasons []string) []string {
	if reasons == nil {
		return []string{}
	}
	out := append([]string(nil), reasons...)
	sort.Strings(out)
	return out
}
