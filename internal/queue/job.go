package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/adverant/nexus/idextract-worker/internal/errors"
	"github.com/adverant/nexus/idextract-worker/internal/processor"
)

// Job statuses shared by both consumers and the job store
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const defaultProcessingTimeout = 5 * time.Minute

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"fileBuffer,omitempty"` // decoded by UnmarshalJSON
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON handles both base64 strings and Node.js Buffer objects
// ({"type":"Buffer","data":[...]}) for fileBuffer.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// toRequest converts the payload to processor format
func (p *JobPayload) toRequest() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
}

func (p *JobPayload) startMetadata() map[string]interface{} {
	return map[string]interface{}{
		"filename": p.Filename,
		"mimeType": p.MimeType,
		"fileSize": p.FileSize,
		"userId":   p.UserID,
	}
}

// processingTimeout converts the configured milliseconds, falling back to 5 minutes.
func processingTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return defaultProcessingTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// runWithTimeout processes one job under its own deadline. A deadline hit is
// reported as a ProcessingTimeoutError whatever stage it interrupted.
func runWithTimeout(ctx context.Context, proc processor.DocumentProcessorInterface, payload *JobPayload, timeout time.Duration) (*processor.ProcessResult, error) {
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := proc.ProcessDocument(processCtx, payload.toRequest())
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewProcessingTimeoutError(payload.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

// alreadyCompleted reports whether the job store already holds a completed
// result for jobID, so a re-delivered job can be dropped. Lookup failures
// let the job run.
func alreadyCompleted(ctx context.Context, proc processor.DocumentProcessorInterface, jobID string) bool {
	status, err := proc.JobStatus(ctx, jobID)
	if err != nil {
		log.Printf("[Job %s] Warning: Failed to read job status: %v", jobID, err)
		return false
	}
	return status == StatusCompleted
}

// isRetryable reports whether another attempt could change the outcome.
// Bad input and timeouts fail the same way every time.
func isRetryable(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrorInvalidImage, apperrors.ErrorUnsupportedFormat, apperrors.ErrorInvalidInput, apperrors.ErrorProcessingTimeout:
		return false
	}
	return true
}

// failureMetadata renders err for the job store and the errors hash.
func failureMetadata(err error, attempts int, duration time.Duration) map[string]interface{} {
	meta := map[string]interface{}{}
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		meta = pe.ToMap()
	}
	meta["error"] = err.Error()
	meta["attempts"] = attempts
	meta["processingTime"] = duration.Milliseconds()
	return meta
}

func completionMetadata(result *processor.ProcessResult) map[string]interface{} {
	return map[string]interface{}{
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTimeMs,
		"pageCount":      result.PageCount,
		"fieldsFound":    result.FieldsFound,
		"artifactId":     result.ArtifactID,
	}
}
