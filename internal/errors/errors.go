package errors

import (
	"errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the lab-report extraction worker.
 *
 * Every expected failure mode in the pipeline maps to a code here so the
 * orchestrator can decide retry/flag/abort behaviour without string matching.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Terminal, non-retryable: image failed the quality gate
	ErrorQualityRejected ErrorCode = "QUALITY_REJECTED"

	// Retryable with backoff, bounded by max retry count
	ErrorTransientCapability ErrorCode = "TRANSIENT_CAPABILITY_ERROR"

	// Capability signalled overload; feeds rate-limiter backoff, not a document failure
	ErrorOverloadSignal ErrorCode = "OVERLOAD_SIGNAL"

	// Non-fatal review conditions
	ErrorValidationFlagged      ErrorCode = "VALIDATION_FLAGGED"
	ErrorNormalizationAmbiguous ErrorCode = "NORMALIZATION_AMBIGUOUS"

	// Cache failures are logged and bypassed, never fatal
	ErrorCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"

	// Fatal for the document
	ErrorTimeout          ErrorCode = "PROCESSING_TIMEOUT"
	ErrorRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrorDecodeFailed     ErrorCode = "IMAGE_DECODE_FAILED"
)

// PipelineError represents a structured processing error
type PipelineError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	Stage      string
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ToMap converts error to map for database storage
func (e *PipelineError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"stage":      e.Stage,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// Factory functions for common errors

func NewQualityRejectedError(documentID string, issues []string) *PipelineError {
	return &PipelineError{
		Code:       ErrorQualityRejected,
		Message:    "Image quality too poor for extraction",
		DocumentID: documentID,
		Stage:      "quality_check",
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"issues": issues,
		},
	}
}

func NewTransientCapabilityError(documentID string, cause error) *PipelineError {
	return &PipelineError{
		Code:       ErrorTransientCapability,
		Message:    "Vision capability call failed transiently",
		DocumentID: documentID,
		Stage:      "extract",
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewOverloadSignalError(documentID string) *PipelineError {
	return &PipelineError{
		Code:       ErrorOverloadSignal,
		Message:    "Vision capability reported rate-limit rejection",
		DocumentID: documentID,
		Stage:      "extract",
		Timestamp:  time.Now(),
	}
}

func NewTimeoutError(documentID string, duration time.Duration, cause error) *PipelineError {
	return &PipelineError{
		Code:       ErrorTimeout,
		Message:    fmt.Sprintf("Processing timed out after %v", duration),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewRetriesExhaustedError(documentID string, attempts int, cause error) *PipelineError {
	return &PipelineError{
		Code:       ErrorRetriesExhausted,
		Message:    fmt.Sprintf("Extraction failed after %d attempts", attempts),
		DocumentID: documentID,
		Stage:      "extract",
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewCacheUnavailableError(stage string, cause error) *PipelineError {
	return &PipelineError{
		Code:      ErrorCacheUnavailable,
		Message:   "Cache tier unavailable, proceeding without cache",
		Stage:     stage,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDecodeFailedError(documentID string, cause error) *PipelineError {
	return &PipelineError{
		Code:       ErrorDecodeFailed,
		Message:    "Unable to decode image bytes",
		DocumentID: documentID,
		Stage:      "preprocess",
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// HasCode reports whether err (or anything it wraps) is a PipelineError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsOverload reports whether err carries an overload signal from the capability.
func IsOverload(err error) bool {
	return HasCode(err, ErrorOverloadSignal)
}

// IsTransient reports whether err is retryable at the extract stage.
func IsTransient(err error) bool {
	return HasCode(err, ErrorTransientCapability) || IsOverload(err)
}
