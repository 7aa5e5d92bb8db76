// Package errors provides standardized error handling for workflow rendering,
// remote job submission and the Zeebe worker integration.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeTemplateNotFound    ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateSyntaxError ErrorCode = "TEMPLATE_SYNTAX_ERROR"
	ErrCodeRenderError         ErrorCode = "RENDER_ERROR"

	ErrCodeWorkflowValidationFailed ErrorCode = "WORKFLOW_VALIDATION_FAILED"
	ErrCodeInvalidRequest           ErrorCode = "INVALID_REQUEST"

	ErrCodeRemoteSubmissionFailed ErrorCode = "REMOTE_SUBMISSION_FAILED"
	ErrCodeRemoteTimeout          ErrorCode = "REMOTE_TIMEOUT"
	ErrCodeDecodeError            ErrorCode = "DECODE_ERROR"

	ErrCodeExternalService  ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeAuthentication   ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *StandardError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Details)
}

func (e *StandardError) Unwrap() error {
	return e.Cause
}

// Is matches another StandardError by code, so errors.Is(err, &StandardError{Code: ...})
// works without comparing messages.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata attaches a metadata key and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 2. Error Constructors
// ==========================

// NewTemplateNotFoundError creates a non-retryable error for a template path
// that does not resolve.
func NewTemplateNotFoundError(path string, cause error) *StandardError {
	return newError(ErrCodeTemplateNotFound, "Workflow template not found",
		fmt.Sprintf("path: %s", path), false, cause)
}

// NewTemplateSyntaxError creates a non-retryable error for a template the
// engine refuses to parse.
func NewTemplateSyntaxError(name string, cause error) *StandardError {
	return newError(ErrCodeTemplateSyntaxError, "Workflow template is not well-formed",
		fmt.Sprintf("template: %s, error: %s", name, detailsOf(cause)), false, cause)
}

// NewRenderError creates a non-retryable error for a missing or invalid variable.
func NewRenderError(name, details string, cause error) *StandardError {
	if details == "" {
		details = detailsOf(cause)
	}
	return newError(ErrCodeRenderError, "Workflow template rendering failed",
		fmt.Sprintf("template: %s, error: %s", name, details), false, cause)
}

// NewWorkflowValidationFailedError creates a non-retryable error for a
// rendered document that is not an executable node graph.
func NewWorkflowValidationFailedError(details string) *StandardError {
	return newError(ErrCodeWorkflowValidationFailed, "Rendered workflow failed validation",
		details, false, nil)
}

// NewInvalidRequestError creates a non-retryable error for bad caller input.
func NewInvalidRequestError(details string) *StandardError {
	return newError(ErrCodeInvalidRequest, "Invalid workflow submission", details, false, nil)
}

// NewRemoteSubmissionError creates an error for a job the endpoint rejected
// or failed. Retryable is left to the caller's judgement of the cause.
func NewRemoteSubmissionError(endpoint string, cause error) *StandardError {
	return newError(ErrCodeRemoteSubmissionFailed,
		fmt.Sprintf("Remote endpoint '%s' failed the job", endpoint),
		detailsOf(cause), true, cause)
}

// NewRemoteTimeoutError creates a retryable error for a job that did not complete.
func NewRemoteTimeoutError(endpoint, jobID string, after time.Duration) *StandardError {
	return newError(ErrCodeRemoteTimeout,
		fmt.Sprintf("Remote endpoint '%s' job timeout", endpoint),
		fmt.Sprintf("jobId: %s, waited: %s", jobID, after), true, nil)
}

// NewDecodeError creates a non-retryable error for an artifact that is not a
// valid image.
func NewDecodeError(name string, cause error) *StandardError {
	return newError(ErrCodeDecodeError, "Returned artifact is not a valid image",
		fmt.Sprintf("name: %s, error: %s", name, detailsOf(cause)), false, cause)
}

// Generic constructors

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService,
		fmt.Sprintf("External service '%s' error", service), detailsOf(err), true, err)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError(ErrCodeResourceNotFound,
		fmt.Sprintf("Resource not found in %s", service), details, false, nil)
}

func NewAuthenticationError(details string) *StandardError {
	return newError(ErrCodeAuthentication, "Authentication failed", details, false, nil)
}

// ==========================
// 3. Inspection
// ==========================

// CodeOf returns the code of the first StandardError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Normalize returns err as a StandardError, wrapping unknown errors as internal.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return newError(ErrCodeInternal, "Unexpected error", detailsOf(err), false, err)
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "TEMPLATE") || codeStr == string(ErrCodeRenderError):
		return "TEMPLATE"
	case strings.HasPrefix(codeStr, "REMOTE"):
		return "REMOTE"
	case code == ErrCodeDecodeError:
		return "ARTIFACT"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
