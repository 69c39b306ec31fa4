/**
 * Document Processor for the IDExtract Worker
 *
 * Job boundary around the extraction pipeline:
 * - loads the document from the job buffer or downloads it
 * - sniffs the real format from magic bytes
 * - rasterizes images and PDFs into pages
 * - runs the page aggregator (normalize → OCR → field extraction)
 * - optionally persists a debug artifact of the result
 */

package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/idextract-worker/internal/document"
	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/raster"
	"github.com/adverant/nexus/idextract-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
	JobStatus(ctx context.Context, jobID string) (string, error)
}

// PageAggregator runs the per-page pipeline over a whole document.
type PageAggregator interface {
	ProcessDocument(ctx context.Context, pages []document.RasterPage) (*document.DocumentResult, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	MaxFileSize  int64
	Rasterizer   raster.Rasterizer
	Aggregator   PageAggregator
	JobStore     storage.JobStore     // optional
	ArtifactSink storage.ArtifactSink // optional, debug artifacts
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID            string                   `json:"jobId"`
	Document         *document.DocumentResult `json:"result"`
	PageCount        int                      `json:"pageCount"`
	Confidence       float64                  `json:"confidence"`
	FieldsFound      []string                 `json:"fieldsFound"`
	ArtifactID       string                   `json:"artifactId,omitempty"`
	ProcessingTimeMs int64                    `json:"processingTimeMs"`
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config         *ProcessorConfig
	httpClient     *http.Client
	initialBackoff time.Duration
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Rasterizer == nil {
		return nil, fmt.Errorf("rasterizer is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("page aggregator is required")
	}

	if cfg.JobStore == nil {
		log.Printf("WARNING: No job store configured. Job status will only be tracked in the queue.")
	}
	if cfg.ArtifactSink == nil {
		log.Printf("Debug artifacts disabled")
	}

	return &DocumentProcessor{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		initialBackoff: time.Second,
	}, nil
}

// ProcessDocument runs one job through the extraction pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log.Printf("[Job %s] Starting extraction pipeline", req.JobID)

	// Step 1: Load file
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	// Step 2: Correct missing or generic MIME types from magic bytes
	detectedMime := detectMimeTypeFromMagicBytes(fileData)
	if detectedMime != "" && (req.MimeType == "" || req.MimeType == "application/octet-stream") {
		log.Printf("[Job %s] Corrected MIME type from '%s' to '%s' (magic byte detection)",
			req.JobID, req.MimeType, detectedMime)
		req.MimeType = detectedMime
	}

	// Step 3: Only images and PDFs can be read
	if !isRasterizable(req.MimeType) {
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, req.MimeType)
	}

	// Step 4: Rasterize
	isPDF := req.MimeType == "application/pdf" || strings.HasSuffix(strings.ToLower(req.Filename), ".pdf")
	log.Printf("[Job %s] Rasterizing (mime=%s, pdf=%v, %d bytes)", req.JobID, req.MimeType, isPDF, len(fileData))
	pages, err := p.config.Rasterizer.Rasterize(ctx, fileData, isPDF)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: Per-page extraction
	log.Printf("[Job %s] Extracting fields from %d page(s)", req.JobID, len(pages))
	result, err := p.config.Aggregator.ProcessDocument(ctx, pages)
	if err != nil {
		return nil, err
	}

	// Step 6: Debug artifact (non-fatal)
	var artifactID string
	if p.config.ArtifactSink != nil {
		artifactID, err = p.config.ArtifactSink.SaveArtifact(ctx, storage.NewDebugArtifact(req.JobID, result))
		if err != nil {
			storageErr := apperrors.NewStorageFailedError(req.JobID, err)
			log.Printf("[Job %s] WARNING: %v. Result is still returned.", req.JobID, storageErr)
			artifactID = ""
		} else {
			log.Printf("[Job %s] Debug artifact stored: id=%s", req.JobID, artifactID)
		}
	}

	processResult := &ProcessResult{
		JobID:            req.JobID,
		Document:         result,
		PageCount:        len(result.Pages),
		Confidence:       averageConfidence(result),
		FieldsFound:      fieldsFound(result),
		ArtifactID:       artifactID,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}

	log.Printf("[Job %s] Extraction complete: pages=%d, fields=%v, duration=%dms",
		req.JobID, processResult.PageCount, processResult.FieldsFound, processResult.ProcessingTimeMs)

	return processResult, nil
}

// UpdateJobStatus updates job status in the job store
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.config.JobStore == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if pageCount, ok := metadata["pageCount"].(int); ok {
			update.PageCount = pageCount
		}
		if fields, ok := metadata["fieldsFound"].([]string); ok {
			update.FieldsFound = fields
		}
		if artifactID, ok := metadata["artifactId"].(string); ok {
			update.ArtifactID = artifactID
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["error_code"].(string); ok && code != "" {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorMessage == "" {
			update.ErrorMessage = msg
		}
	}

	return p.config.JobStore.UpdateJobStatus(ctx, update)
}

// JobStatus returns the tracked status of a job, or "" when there is no job
// store or the job has not been recorded.
func (p *DocumentProcessor) JobStatus(ctx context.Context, jobID string) (string, error) {
	if p.config.JobStore == nil {
		return "", nil
	}
	record, err := p.config.JobStore.GetJobByID(ctx, jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// loadFile loads file data from buffer or URL
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, apperrors.NewInvalidInputError(req.JobID,
				fmt.Sprintf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize), nil)
		}
		log.Printf("[Job %s] Using file buffer (%d bytes)", req.JobID, len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		log.Printf("[Job %s] Downloading file from URL: %s", req.JobID, req.FileURL)
		fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		log.Printf("[Job %s] File downloaded successfully (%d bytes)", req.JobID, len(fileData))
		return fileData, nil
	}

	return nil, apperrors.NewInvalidInputError(req.JobID, "no file source provided (buffer or URL)", nil)
}

// downloadFileFromURL downloads with exponential backoff. Size-limit violations are not retried.
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	const (
		maxRetries = 5
		maxBackoff = 32 * time.Second
	)

	maxReadBytes := p.config.MaxFileSize
	if maxReadBytes <= 0 {
		maxReadBytes = 1 << 30
	}

	var lastErr error
	backoff := p.initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			log.Printf("[Job %s] Retrying download in %v...", jobID, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		data, retry, err := p.fetch(ctx, jobID, fileURL, expectedSize, maxReadBytes)
		if err == nil {
			log.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		log.Printf("[Job %s] Download attempt %d/%d failed: %v", jobID, attempt, maxRetries, err)
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

// fetch performs one download attempt and reports whether a failure is worth
// retrying. Failures that no retry can fix are InvalidInputErrors.
func (p *DocumentProcessor) fetch(ctx context.Context, jobID, fileURL string, expectedSize, maxReadBytes int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, apperrors.NewInvalidInputError(jobID, "invalid file URL", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		// 4xx other than 408/429 will not fix itself
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return nil, true, statusErr
		}
		return nil, false, apperrors.NewInvalidInputError(jobID, "file server refused download", statusErr)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		log.Printf("WARNING: Content-Length mismatch. Expected=%d, Got=%d", expectedSize, resp.ContentLength)
	}
	if resp.ContentLength > maxReadBytes {
		return nil, false, apperrors.NewInvalidInputError(jobID,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, maxReadBytes), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes+1))
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxReadBytes {
		return nil, false, apperrors.NewInvalidInputError(jobID,
			fmt.Sprintf("file size exceeds maximum: more than %d bytes", maxReadBytes), nil)
	}
	return data, false, nil
}

// textFormats are never rasterized; they are rejected as unsupported.
var textFormats = map[string]bool{
	"text/plain":               true,
	"text/html":                true,
	"text/markdown":            true,
	"text/csv":                 true,
	"application/json":         true,
	"application/xml":          true,
	"text/xml":                 true,
	"application/x-yaml":       true,
	"text/yaml":                true,
	"application/javascript":   true,
	"text/javascript":          true,
	"application/zip":          true,
	"application/epub+zip":     true,
	"application/msword":       true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// isRasterizable reports whether a document of this MIME type can be turned into pages.
// Unknown types are attempted; the rasterizer rejects what it cannot decode.
func isRasterizable(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if textFormats[mt] {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return false
	}
	return true
}

func averageConfidence(result *document.DocumentResult) float64 {
	if len(result.Pages) == 0 {
		return 0
	}
	var sum float64
	for _, page := range result.Pages {
		sum += page.Fields.Confidence
	}
	return sum / float64(len(result.Pages))
}

// fieldsFound lists the field names populated on at least one page.
func fieldsFound(result *document.DocumentResult) []string {
	found := make([]string, 0, 6)
	has := func(get func(f document.ExtractedFields) *string) bool {
		for _, page := range result.Pages {
			if get(page.Fields) != nil {
				return true
			}
		}
		return false
	}
	if has(func(f document.ExtractedFields) *string { return f.Name }) {
		found = append(found, "name")
	}
	if has(func(f document.ExtractedFields) *string { return f.Gender }) {
		found = append(found, "gender")
	}
	if has(func(f document.ExtractedFields) *string { return f.DOB }) {
		found = append(found, "dob")
	}
	if has(func(f document.ExtractedFields) *string { return f.Mobile }) {
		found = append(found, "mobile")
	}
	if has(func(f document.ExtractedFields) *string { return f.IDNumber }) {
		found = append(found, "aadhaar")
	}
	if has(func(f document.ExtractedFields) *string { return f.Address }) {
		found = append(found, "address")
	}
	return found
}

// detectMimeTypeFromMagicBytes detects file type from magic bytes (file signatures)
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: little-endian or big-endian
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return "image/bmp"
	}

	// ZIP (and Office documents, EPUB): 'P' 'K' 0x03 0x04
	if bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}) {
		if bytes.Contains(data[:min(100, len(data))], []byte("mimetypeapplication/epub+zip")) {
			return "application/epub+zip"
		}
		return "application/zip"
	}

	// MS Office legacy (DOC, XLS, PPT)
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}) {
		return "application/msword"
	}

	return ""
}
