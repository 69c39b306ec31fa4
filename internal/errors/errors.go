package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the IDExtract Worker
 *
 * Field-level "not found" outcomes are never errors; they are nil fields.
 * Only malformed input, engine failures and job-boundary problems surface here.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorInvalidImage      ErrorCode = "INVALID_IMAGE"
	ErrorRecognitionEngine ErrorCode = "RECOGNITION_ENGINE_FAILED"

	// Job boundary errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

// NewInvalidImageError reports malformed or empty raster input. Never retried.
func NewInvalidImageError(reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   fmt.Sprintf("Invalid image: %s", reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reason": reason,
		},
		Cause: cause,
	}
}

// NewRecognitionEngineError reports a failure inside an external black box
// (OCR engine or rasterizer).
func NewRecognitionEngineError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionEngine,
		Message:   fmt.Sprintf("Recognition engine failed: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

// NewInvalidInputError reports a job whose document cannot be obtained as
// submitted: no source, over the size limit, or refused by the file server.
func NewInvalidInputError(jobID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   fmt.Sprintf("Invalid input: %s", reason),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reason": reason,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing artifacts",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsInvalidImage reports whether err carries ErrorInvalidImage.
func IsInvalidImage(err error) bool {
	return CodeOf(err) == ErrorInvalidImage
}

// IsRecognitionEngine reports whether err carries ErrorRecognitionEngine.
func IsRecognitionEngine(err error) bool {
	return CodeOf(err) == ErrorRecognitionEngine
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
