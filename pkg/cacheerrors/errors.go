// Package cacheerrors defines the typed error taxonomy used across the
// cache engine: OutOfSpace, StageWriteError, SlowStoreError,
// MisconfiguredCache, WindowError, and PartialCacheRemoval.
package cacheerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies one member of the cache engine's error taxonomy.
type ErrorCode string

const (
	// CodeOutOfSpace: LSM claim exceeded pool even after eviction.
	CodeOutOfSpace ErrorCode = "OUT_OF_SPACE"
	// CodeStageWriteError: backend could not stage bytes.
	CodeStageWriteError ErrorCode = "STAGE_WRITE_ERROR"
	// CodeSlowStoreError: the slow store's async wait reported failure.
	CodeSlowStoreError ErrorCode = "SLOW_STORE_ERROR"
	// CodeMisconfiguredCache: unknown backend or invalid replacement policy.
	CodeMisconfiguredCache ErrorCode = "MISCONFIGURED_CACHE"
	// CodeWindowError: a one-sided RMA primitive failed.
	CodeWindowError ErrorCode = "WINDOW_ERROR"
	// CodePartialCacheRemoval: removal of an unregistered/already-removed cache.
	CodePartialCacheRemoval ErrorCode = "PARTIAL_CACHE_REMOVAL"
)

// classification captures the fixed behavior for each code: whether the
// caller may retry the operation, and whether it should abort the process
// (MisconfiguredCache is the only fatal member of the taxonomy).
type classification struct {
	retryable bool
	fatal     bool
	warnOnly  bool
}

var classifications = map[ErrorCode]classification{
	CodeOutOfSpace:          {retryable: false, fatal: false},
	CodeStageWriteError:     {retryable: false, fatal: false},
	CodeSlowStoreError:      {retryable: true, fatal: false},
	CodeMisconfiguredCache:  {retryable: false, fatal: true},
	CodeWindowError:         {retryable: false, fatal: false},
	CodePartialCacheRemoval: {retryable: false, fatal: false, warnOnly: true},
}

// CacheError is the concrete error type returned by every component in
// this module. It carries enough context (component, operation, cause)
// for the structured logger and the metrics collector to classify it
// without string matching.
type CacheError struct {
	Code      ErrorCode
	Message   string
	Component string
	Operation string
	Cause     error
}

func (e *CacheError) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("%s: %s.%s: %s", e.Code, e.Component, e.Operation, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// Is reports whether target is a *CacheError with the same code, which
// lets callers use errors.Is(err, New(CodeOutOfSpace, "")) as a pattern.
func (e *CacheError) Is(target error) bool {
	var other *CacheError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Retryable reports whether the operation that produced this error is
// safe to retry (e.g. via pkg/retry).
func (e *CacheError) Retryable() bool {
	return classifications[e.Code].retryable
}

// Fatal reports whether this error must abort file-open (MisconfiguredCache).
func (e *CacheError) Fatal() bool {
	return classifications[e.Code].fatal
}

// WarnOnly reports whether this error should be logged and ignored
// (PartialCacheRemoval, double-release).
func (e *CacheError) WarnOnly() bool {
	return classifications[e.Code].warnOnly
}

// New builds a CacheError with the given code and message.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{Code: code, Message: message}
}

// Newf builds a CacheError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return &CacheError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithComponent returns a copy annotated with the owning component name
// (e.g. "writepipeline", "readmirror").
func (e *CacheError) WithComponent(component string) *CacheError {
	clone := *e
	clone.Component = component
	return &clone
}

// WithOperation returns a copy annotated with the operation name.
func (e *CacheError) WithOperation(operation string) *CacheError {
	clone := *e
	clone.Operation = operation
	return &clone
}

// WithCause returns a copy wrapping an underlying error.
func (e *CacheError) WithCause(cause error) *CacheError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// WithDetail appends additional free-text detail to the message.
func (e *CacheError) WithDetail(detail string) *CacheError {
	clone := *e
	clone.Message = clone.Message + ": " + detail
	return &clone
}

// HTTPStatus maps a code to a status suitable for the debug/health HTTP
// surface exposed by internal/cachemetrics.
func (e *CacheError) HTTPStatus() int {
	switch e.Code {
	case CodeOutOfSpace:
		return http.StatusInsufficientStorage
	case CodeMisconfiguredCache:
		return http.StatusUnprocessableEntity
	case CodeStageWriteError, CodeWindowError:
		return http.StatusInternalServerError
	case CodeSlowStoreError:
		return http.StatusBadGateway
	case CodePartialCacheRemoval:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// IsCode reports whether err is a *CacheError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
