/**
 * Page Rasterizer
 *
 * Turns uploaded document bytes into ordered raster pages. Images decode to a
 * single page; PDFs are either rendered with poppler's pdftoppm or, in
 * embedded mode, reduced to the page scans they carry.
 */

package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdfimages "github.com/sunshineplan/pdf"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/logging"
)

// Modes
const (
	ModePdftoppm = "pdftoppm"
	ModeEmbedded = "embedded"
)

const pagePrefix = "page"

var pageFilePattern = regexp.MustCompile(`^` + pagePrefix + `-(\d+)\.png$`)

// Rasterizer converts document bytes into raster pages.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, isPDF bool) ([]document.RasterPage, error)
}

// Config holds rasterizer configuration
type Config struct {
	Mode         string
	PdftoppmPath string
	DPI          int
	TempDir      string
}

// PageRasterizer is the default Rasterizer.
type PageRasterizer struct {
	cfg    Config
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
	logger *logging.Logger
}

// NewPageRasterizer creates a rasterizer, filling in defaults for empty config values.
func NewPageRasterizer(cfg Config) *PageRasterizer {
	if cfg.Mode == "" {
		cfg.Mode = ModePdftoppm
	}
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &PageRasterizer{
		cfg:    cfg,
		run:    runCommand,
		logger: logging.NewLogger("Rasterizer"),
	}
}

// Rasterize decodes data into pages numbered from 1.
func (r *PageRasterizer) Rasterize(ctx context.Context, data []byte, isPDF bool) ([]document.RasterPage, error) {
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageError("document is empty", nil)
	}
	if !isPDF {
		img, err := decodeImage(data)
		if err != nil {
			return nil, err
		}
		return []document.RasterPage{{Number: 1, Image: img}}, nil
	}

	var (
		images []image.Image
		err    error
	)
	startTime := time.Now()
	switch r.cfg.Mode {
	case ModeEmbedded:
		images, err = decodeEmbedded(data)
	default:
		images, err = r.renderPDF(ctx, data)
	}
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, apperrors.NewInvalidImageError("PDF produced no pages", nil)
	}

	pages := make([]document.RasterPage, len(images))
	for i, img := range images {
		pages[i] = document.RasterPage{Number: i + 1, Image: img}
	}

	r.logger.Info("PDF rasterized",
		"mode", r.cfg.Mode,
		"pages", len(pages),
		"duration", time.Since(startTime))

	return pages, nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.NewInvalidImageError("cannot decode image", err)
	}
	if img.Bounds().Empty() {
		return nil, apperrors.NewInvalidImageError("image has zero size", nil)
	}
	return img, nil
}

func (r *PageRasterizer) renderPDF(ctx context.Context, data []byte) ([]image.Image, error) {
	pageCount, err := api.PageCount(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, apperrors.NewInvalidImageError("cannot read PDF", err)
	}

	workDir, err := os.MkdirTemp(r.cfg.TempDir, "idextract-raster-")
	if err != nil {
		return nil, apperrors.NewRecognitionEngineError("pdftoppm", fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	pdfPath := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, apperrors.NewRecognitionEngineError("pdftoppm", fmt.Errorf("write PDF: %w", err))
	}

	out, err := r.run(ctx, r.cfg.PdftoppmPath,
		"-r", strconv.Itoa(r.cfg.DPI),
		"-png",
		pdfPath,
		filepath.Join(workDir, pagePrefix))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewRecognitionEngineError("pdftoppm", fmt.Errorf("%w: %s", err, bytes.TrimSpace(out)))
	}

	files, err := pageFiles(workDir)
	if err != nil {
		return nil, apperrors.NewRecognitionEngineError("pdftoppm", err)
	}
	if len(files) != pageCount {
		r.logger.Warn("Rendered page count differs from PDF page count",
			"expected", pageCount,
			"rendered", len(files))
	}

	images := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := imaging.Open(f)
		if err != nil {
			return nil, apperrors.NewRecognitionEngineError("pdftoppm", fmt.Errorf("decode %s: %w", filepath.Base(f), err))
		}
		images = append(images, img)
	}
	return images, nil
}

// pageFiles lists the rendered page images in dir ordered by page number.
func pageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read render dir: %w", err)
	}

	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		m := pageFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func decodeEmbedded(data []byte) (images []image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewRecognitionEngineError("pdf", fmt.Errorf("panic while decoding PDF images: %v", r))
			images = nil
		}
	}()

	images, err = pdfimages.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewRecognitionEngineError("pdf", fmt.Errorf("decode embedded images: %w", err))
	}
	return images, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
