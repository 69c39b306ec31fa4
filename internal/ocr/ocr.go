// Package ocr defines the text-recognition capability the pipeline calls.
// Engine bindings live in subpackages so that callers of the interface do
// not link against them.
package ocr

import (
	"context"

	"github.com/adverant/nexus/idextract-worker/internal/document"
)

// PageSegMode is a Tesseract page-segmentation mode.
type PageSegMode int

// EngineMode is a Tesseract OCR engine mode.
type EngineMode int

const (
	PSMAuto         PageSegMode = 3
	PSMSingleColumn PageSegMode = 4
	PSMSingleBlock  PageSegMode = 6

	OEMLegacyOnly EngineMode = 0
	OEMLSTMOnly   EngineMode = 1
	OEMCombined   EngineMode = 2
	OEMDefault    EngineMode = 3
)

// Recognizer converts a normalized image into text.
type Recognizer interface {
	Recognize(ctx context.Context, img *document.NormalizedImage, psm PageSegMode, oem EngineMode) (string, error)
}
