// Package errors provides a lightweight structured error type (PipelineError)
// for category-based classification and retry semantics across the analysis
// pipeline and its HTTP adapter.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of a pipeline error for classification.
type ErrorCategory string

const (
	// User-facing input errors
	CategoryValidation ErrorCategory = "validation"
	CategoryDuplicate  ErrorCategory = "duplicate"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryPermission ErrorCategory = "permission"

	// External system integration errors
	CategoryGit     ErrorCategory = "git"
	CategoryNetwork ErrorCategory = "network"
	CategoryLLM     ErrorCategory = "llm"
	CategoryRAG     ErrorCategory = "rag"

	// Processing errors
	CategoryPlan       ErrorCategory = "plan"
	CategoryData       ErrorCategory = "data"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and infrastructure errors
	CategoryConfig   ErrorCategory = "config"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops the pipeline run
	SeverityError   ErrorSeverity = "error"   // Error, but siblings may proceed
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded output
)

// PipelineError is a structured error with category, retryability, and context.
type PipelineError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for PipelineError.
type ContextFields map[string]any

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new PipelineError.
func New(category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message}
}

// Wrap creates a new PipelineError that wraps an existing error.
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message, Cause: err}
}

// Retryable creates a new retryable PipelineError.
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message, Retryable: true}
}

// WrapRetryable creates a new retryable PipelineError that wraps an existing error.
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message, Cause: err, Retryable: true}
}

// ValidationError creates a validation error (maps to 400 in the HTTP adapter).
func ValidationError(message string) *PipelineError {
	return &PipelineError{Category: CategoryValidation, Severity: SeverityWarning, Message: message}
}

// DuplicateError creates a duplicate-resource error (maps to 409).
func DuplicateError(message string) *PipelineError {
	return &PipelineError{Category: CategoryDuplicate, Severity: SeverityWarning, Message: message}
}

// NotFoundError creates a missing-resource error (maps to 404).
func NotFoundError(message string) *PipelineError {
	return &PipelineError{Category: CategoryNotFound, Severity: SeverityWarning, Message: message}
}

// IsCategory checks if an error belongs to a specific category, unwrapping as needed.
func IsCategory(err error, category ErrorCategory) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsFatal checks if an error carries fatal severity.
func IsFatal(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity == SeverityFatal
	}
	return false
}

// AsType reports whether the chain contains an error of concrete type T.
func AsType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// GetCategory extracts the category from an error, or CategoryInternal if untyped.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}
