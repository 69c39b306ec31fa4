/**
 * Text Recognizer - Tesseract via gosseract
 *
 * Turns a normalized page bitmap into raw text. The pipeline always asks for
 * page-segmentation mode 4 (single column of variable-size text) and engine
 * mode 3 (default: legacy + LSTM).
 *
 * The engine mode is an init-only Tesseract parameter and gosseract always
 * initializes with OEM_DEFAULT, which defers to the config file. Any other
 * mode is therefore handed to Init through a generated config file.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/ocr"
)

// Config holds Tesseract configuration
type Config struct {
	Language       string
	TessdataPrefix string
	ConfigDir      string // where engine-mode config files are written, default os.TempDir()
}

// Recognizer runs each recognition on its own gosseract client so it can
// serve concurrent pages and jobs.
type Recognizer struct {
	language       string
	tessdataPrefix string
	configDir      string
	clientFactory  func() *gosseract.Client
	logger         *logging.Logger

	mu          sync.Mutex
	engineFiles map[ocr.EngineMode]string
}

var _ ocr.Recognizer = (*Recognizer)(nil)

// NewRecognizer creates a new Tesseract-backed recognizer
func NewRecognizer(cfg *Config) *Recognizer {
	r := &Recognizer{
		language:      "eng",
		configDir:     os.TempDir(),
		clientFactory: gosseract.NewClient,
		logger:        logging.NewLogger("Tesseract"),
		engineFiles:   make(map[ocr.EngineMode]string),
	}
	if cfg != nil {
		if cfg.Language != "" {
			r.language = cfg.Language
		}
		if cfg.ConfigDir != "" {
			r.configDir = cfg.ConfigDir
		}
		r.tessdataPrefix = cfg.TessdataPrefix
	}
	return r
}

// Recognize performs OCR on a normalized image
func (r *Recognizer) Recognize(ctx context.Context, img *document.NormalizedImage, psm ocr.PageSegMode, oem ocr.EngineMode) (string, error) {
	if img == nil || img.Image == nil {
		return "", apperrors.NewInvalidImageError("normalized image is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	configFile, err := r.engineConfigFile(oem)
	if err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", err)
	}

	startTime := time.Now()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.Image, imaging.PNG); err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", fmt.Errorf("encode image: %w", err))
	}

	client := r.clientFactory()
	defer client.Close()

	if r.tessdataPrefix != "" {
		client.SetTessdataPrefix(r.tessdataPrefix)
	}
	if configFile != "" {
		if err := client.SetConfigFile(configFile); err != nil {
			return "", apperrors.NewRecognitionEngineError("tesseract", fmt.Errorf("set engine mode: %w", err))
		}
	}
	if err := client.SetLanguage(r.language); err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", fmt.Errorf("set language: %w", err))
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", fmt.Errorf("set page segmentation mode: %w", err))
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", fmt.Errorf("set image: %w", err))
	}

	text, err := client.Text()
	if err != nil {
		return "", apperrors.NewRecognitionEngineError("tesseract", err)
	}

	r.logger.Debug("Recognition complete",
		"profile", img.Profile,
		"psm", int(psm),
		"oem", int(oem),
		"chars", len(text),
		"duration", time.Since(startTime))

	return text, nil
}

// engineConfigFile returns the config file that selects oem at Init, writing
// it on first use. OEMDefault needs none.
func (r *Recognizer) engineConfigFile(oem ocr.EngineMode) (string, error) {
	if oem == ocr.OEMDefault {
		return "", nil
	}
	if oem < ocr.OEMLegacyOnly || oem > ocr.OEMDefault {
		return "", fmt.Errorf("unknown engine mode %d", oem)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.engineFiles[oem]; ok {
		return path, nil
	}

	path := filepath.Join(r.configDir, fmt.Sprintf("idextract-oem-%d-%d.cfg", oem, os.Getpid()))
	content := fmt.Sprintf("tessedit_ocr_engine_mode %d\n", oem)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write engine mode config: %w", err)
	}
	r.engineFiles[oem] = path
	return path, nil
}
