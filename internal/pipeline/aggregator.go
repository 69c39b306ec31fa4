/**
 * Page Aggregator
 *
 * Runs the per-page pipeline (normalize, recognize, extract) over every page
 * of a document and assembles the DocumentResult in page order. A failure on
 * any page aborts the whole document; there are no partial results.
 */

package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/extract"
	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/ocr"
)

// PageNormalizer binarizes a raster page for one profile.
type PageNormalizer interface {
	Normalize(page document.RasterPage, profile document.Profile) (*document.NormalizedImage, error)
}

// Aggregator processes documents page by page.
type Aggregator struct {
	normalizer      PageNormalizer
	recognizer      ocr.Recognizer
	extractor       *extract.Extractor
	pageConcurrency int
	logger          *logging.Logger
}

// NewAggregator creates an aggregator. pageConcurrency < 2 processes pages strictly in sequence.
func NewAggregator(normalizer PageNormalizer, recognizer ocr.Recognizer, extractor *extract.Extractor, pageConcurrency int) *Aggregator {
	if pageConcurrency < 1 {
		pageConcurrency = 1
	}
	return &Aggregator{
		normalizer:      normalizer,
		recognizer:      recognizer,
		extractor:       extractor,
		pageConcurrency: pageConcurrency,
		logger:          logging.NewLogger("Aggregator"),
	}
}

// ProcessDocument runs every page and returns the results in page order.
// The first page error is returned unmodified and cancels the pages not yet done.
func (a *Aggregator) ProcessDocument(ctx context.Context, pages []document.RasterPage) (*document.DocumentResult, error) {
	if len(pages) == 0 {
		return nil, apperrors.NewInvalidImageError("document has no pages", nil)
	}

	startTime := time.Now()
	results := make([]document.PageResult, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.pageConcurrency)

	for i := range pages {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := a.processPage(gctx, pages[i])
			if err != nil {
				a.logger.Error("Page failed", "page", pages[i].Number, "error", err)
				return err
			}
			results[i] = *result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.logger.Info("Document processed",
		"pages", len(pages),
		"concurrency", a.pageConcurrency,
		"duration", time.Since(startTime))

	return &document.DocumentResult{Pages: results}, nil
}

func (a *Aggregator) processPage(ctx context.Context, page document.RasterPage) (*document.PageResult, error) {
	general, err := a.normalizer.Normalize(page, document.ProfileGeneral)
	if err != nil {
		return nil, err
	}
	rawText, err := a.recognizer.Recognize(ctx, general, ocr.PSMSingleColumn, ocr.OEMDefault)
	if err != nil {
		return nil, err
	}
	fields := a.extractor.Extract(ctx, rawText)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addressImg, err := a.normalizer.Normalize(page, document.ProfileAddress)
	if err != nil {
		return nil, err
	}
	addressText, err := a.recognizer.Recognize(ctx, addressImg, ocr.PSMSingleColumn, ocr.OEMDefault)
	if err != nil {
		return nil, err
	}

	result := &document.PageResult{
		PageNumber: page.Number,
		Fields: document.ExtractedFields{
			Name:       fields.Name,
			Gender:     fields.Gender,
			DOB:        fields.DOB,
			Mobile:     fields.Mobile,
			IDNumber:   fields.IDNumber,
			Address:    extract.ExtractAddress(addressText),
			RawText:    rawText,
			Confidence: document.StaticConfidence,
		},
	}

	a.logger.Debug("Page extracted",
		"page", page.Number,
		"fields", result.Fields.FieldCount(),
		"chars", len(rawText))

	return result, nil
}
