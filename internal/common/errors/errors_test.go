package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_Codes(t *testing.T) {
	cause := fmt.Errorf("boom")

	tests := []struct {
		name      string
		err       *StandardError
		code      ErrorCode
		retryable bool
	}{
		{"template not found", NewTemplateNotFoundError("a.json.jinja", os.ErrNotExist), ErrCodeTemplateNotFound, false},
		{"template syntax", NewTemplateSyntaxError("a.json", cause), ErrCodeTemplateSyntaxError, false},
		{"render", NewRenderError("a.json", "", cause), ErrCodeRenderError, false},
		{"validation", NewWorkflowValidationFailedError("bad"), ErrCodeWorkflowValidationFailed, false},
		{"invalid request", NewInvalidRequestError("bad"), ErrCodeInvalidRequest, false},
		{"remote submission", NewRemoteSubmissionError("runpod", cause), ErrCodeRemoteSubmissionFailed, true},
		{"remote timeout", NewRemoteTimeoutError("runpod", "job-1", time.Minute), ErrCodeRemoteTimeout, true},
		{"decode", NewDecodeError("out.png", cause), ErrCodeDecodeError, false},
		{"external", NewExternalServiceError("zeebe", cause), ErrCodeExternalService, true},
		{"not found", NewResourceNotFoundError("zeebe", "x"), ErrCodeResourceNotFound, false},
		{"auth", NewAuthenticationError("x"), ErrCodeAuthentication, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.False(t, tt.err.Timestamp.IsZero())
			assert.Contains(t, tt.err.Error(), string(tt.code))
		})
	}
}

func TestStandardError_Unwrap(t *testing.T) {
	err := NewTemplateNotFoundError("missing.json.jinja", os.ErrNotExist)
	wrapped := fmt.Errorf("load: %w", err)

	assert.True(t, stderrors.Is(wrapped, os.ErrNotExist))
	assert.True(t, stderrors.Is(wrapped, &StandardError{Code: ErrCodeTemplateNotFound}))
	assert.False(t, stderrors.Is(wrapped, &StandardError{Code: ErrCodeRenderError}))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeDecodeError, CodeOf(fmt.Errorf("x: %w", NewDecodeError("a", nil))))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.True(t, HasCode(NewRenderError("t", "missing", nil), ErrCodeRenderError))
	assert.False(t, HasCode(nil, ErrCodeRenderError))
}

func TestNormalize(t *testing.T) {
	plain := fmt.Errorf("plain failure")
	stdErr := Normalize(plain)
	require.NotNil(t, stdErr)
	assert.Equal(t, ErrCodeInternal, stdErr.Code)
	assert.Equal(t, "plain failure", stdErr.Details)

	orig := NewRemoteTimeoutError("comfyui", "p-1", time.Second)
	assert.Same(t, orig, Normalize(fmt.Errorf("wrapped: %w", orig)))
}

func TestConvertToBPMNError(t *testing.T) {
	t.Run("retryable code keeps retries", func(t *testing.T) {
		bpmn := ConvertToBPMNError(NewRemoteSubmissionError("comfyui", fmt.Errorf("503")))
		assert.Equal(t, "REMOTE_SUBMISSION_FAILED", bpmn.Code)
		assert.Equal(t, 3, bpmn.Retries)
		assert.True(t, bpmn.Retryable)
	})

	t.Run("non retryable error has zero retries", func(t *testing.T) {
		stdErr := NewRemoteTimeoutError("comfyui", "p-1", time.Second)
		stdErr.Retryable = false
		bpmn := ConvertToBPMNError(stdErr)
		assert.Equal(t, 0, bpmn.Retries)
	})

	t.Run("error variables", func(t *testing.T) {
		bpmn := ConvertToBPMNError(NewDecodeError("x.png", fmt.Errorf("bad")))
		vars := bpmn.ToErrorVariables()
		assert.Equal(t, "DECODE_ERROR", vars["errorCode"])
		assert.Equal(t, "DECODE_ERROR", vars["originalErrorCode"])
		assert.Equal(t, false, vars["retryable"])
		assert.Contains(t, vars, "timestamp")
	})
}

func TestRemainingRetries(t *testing.T) {
	assert.Equal(t, int32(1), remainingRetries(2, 3))
	assert.Equal(t, int32(2), remainingRetries(5, 3))
	assert.Equal(t, int32(2), remainingRetries(0, 3))
}

func TestGetErrorCategory(t *testing.T) {
	assert.Equal(t, "TEMPLATE", GetErrorCategory(ErrCodeTemplateNotFound))
	assert.Equal(t, "TEMPLATE", GetErrorCategory(ErrCodeRenderError))
	assert.Equal(t, "REMOTE", GetErrorCategory(ErrCodeRemoteTimeout))
	assert.Equal(t, "ARTIFACT", GetErrorCategory(ErrCodeDecodeError))
	assert.Equal(t, "VALIDATION", GetErrorCategory(ErrCodeInvalidRequest))
	assert.Equal(t, "OTHER", GetErrorCategory(ErrCodeAuthentication))
}
