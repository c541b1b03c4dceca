// Package errors defines the standardized error taxonomy used across the
// record/replay core. Every error that crosses a package boundary in this
// module is an *AppError so callers can branch on Code without reaching
// into internal types.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized, structured error.
type AppError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Cause     error                  `json:"cause,omitempty"`
	Site      string                 `json:"site,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	// RunID and Step identify where in a run the error occurred, per
	// spec.md §7 ("every error carries ... the current run ID and step").
	RunID string `json:"run_id,omitempty"`
	Step  int64  `json:"step,omitempty"`
}

// Error codes. Names match the error kinds enumerated in spec.md §7.
const (
	CodeRunAlreadyOpen     = "RUN_ALREADY_OPEN"
	CodeRunNotOpen         = "RUN_NOT_OPEN"
	CodeNormalizationError = "NORMALIZATION_ERROR"
	CodeQueueOverflow      = "QUEUE_OVERFLOW"
	CodeWriterFailed       = "WRITER_FAILED"
	CodeIncompleteStreams  = "INCOMPLETE_STREAMS"
	CodeStreamNotOpen      = "STREAM_NOT_OPEN"
	CodeStreamAlreadyFinal = "STREAM_ALREADY_FINALIZED"
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodeLedgerIntegrity    = "LEDGER_INTEGRITY_ERROR"
	CodeSchemaUnsupported  = "SCHEMA_UNSUPPORTED"
	CodeKeyMiss            = "KEY_MISS"
	CodeFingerprintMiss    = "FINGERPRINT_MISS"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeOrderMismatch      = "ORDER_MISMATCH"
	CodeNotLoaded          = "NOT_LOADED"
	CodeStreamMissing      = "STREAM_MISSING"
	CodeIOError            = "IO_ERROR"
	CodeConfigInvalid      = "CONFIG_INVALID"
)

// New creates a new AppError, capturing the call site.
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:      code,
		Message:   message,
		Component: component,
		Operation: operation,
		Site:      fmt.Sprintf("%s:%d", file, line),
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap attaches a cause error and returns the receiver for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a metadata key/value pair.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRun stamps the error with the run ID and step it occurred at.
// Never includes sensitive data: callers must pass stable identifiers only.
func (e *AppError) WithRun(runID string, step int64) *AppError {
	e.RunID = runID
	e.Step = step
	return e
}

// Is supports errors.Is by comparing codes, so sentinel-style checks
// (errors.Is(err, errors.New(CodeKeyMiss, ...))) compare on Code rather
// than pointer identity.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// Code extracts the AppError code from err, returning "" if err is not
// (or does not wrap) an *AppError.
func Code(err error) string {
	var appErr *AppError
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			appErr = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if appErr == nil {
		return ""
	}
	return appErr.Code
}

// HasCode reports whether err is (or wraps) an *AppError with the given code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}
