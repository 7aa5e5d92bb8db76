// internal/workers/comfy/run-workflow/handler_test.go
package runworkflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-executors/internal/common/config"
	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/backends/zeebe"
	"comfy-executors/pkg/executor"
	"comfy-executors/pkg/workflow"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeEndpoint struct {
	jobs      []*executor.Job
	artifacts []executor.Artifact
	remoteErr string
	submitErr error
	waitErr   error
}

func (f *fakeEndpoint) Name() string { return "fake" }

func (f *fakeEndpoint) InputDir(groupID string) string { return "input/" + groupID }

func (f *fakeEndpoint) Submit(_ context.Context, job *executor.Job) (executor.JobHandle, error) {
	if f.submitErr != nil {
		return executor.JobHandle{}, f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return executor.JobHandle{ID: "prompt-1", GroupID: job.GroupID}, nil
}

func (f *fakeEndpoint) Wait(context.Context, executor.JobHandle) (*executor.JobResult, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &executor.JobResult{Artifacts: f.artifacts, Error: f.remoteErr}, nil
}

func createTestHandler(t *testing.T, ep *fakeEndpoint) *Handler {
	return NewHandler(&Config{Timeout: time.Minute}, ep, logger.NewTestLogger(t))
}

func createTestInput() *Input {
	return &Input{
		JobID:      "job-1",
		GroupID:    "group-1",
		BatchIndex: 1,
		BatchCount: 2,
		Workflow: map[string]interface{}{
			"1": map[string]interface{}{"class_type": "KSampler", "inputs": map[string]interface{}{"seed": 1.0}},
		},
		InputImagesDir: "input/group-1",
		InputImages: []ImageVar{
			{Name: "00.jpg", Image: base64.StdEncoding.EncodeToString([]byte("jpeg")), Subfolder: "group-1"},
		},
	}
}

// ==========================
// Input Parsing Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h := createTestHandler(t, &fakeEndpoint{})

	raw, err := json.Marshal(createTestInput())
	require.NoError(t, err)

	input, err := h.ParseInput(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "job-1", input.JobID)
	assert.Equal(t, 1, input.BatchIndex)
	assert.Len(t, input.InputImages, 1)
}

func TestHandler_ParseInput_Invalid(t *testing.T) {
	h := createTestHandler(t, &fakeEndpoint{})

	tests := []struct {
		name string
		raw  string
		code apperrors.ErrorCode
	}{
		{"not json", "{", apperrors.ErrCodeInvalidRequest},
		{"missing workflow", `{"jobId": "j"}`, apperrors.ErrCodeWorkflowValidationFailed},
		{"workflow is text", `{"jobId": "j", "workflow": "a prompt"}`, apperrors.ErrCodeWorkflowValidationFailed},
		{"image without name", `{"jobId": "j", "workflow": {}, "inputImages": [{"image": ""}]}`, apperrors.ErrCodeWorkflowValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ParseInput(tt.raw)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestHandler_ParseInput_AcceptsZeebeVariables(t *testing.T) {
	h := createTestHandler(t, &fakeEndpoint{})

	job := &executor.Job{
		GroupID:    "g",
		BatchIndex: 2,
		BatchCount: 3,
		Document: &workflow.Document{Graph: map[string]interface{}{
			"1": map[string]interface{}{"class_type": "Load", "inputs": map[string]interface{}{}},
		}},
		InputImages: []executor.InputImage{{Name: "00.jpg", Subfolder: "g", Data: []byte{1, 2, 3}}},
	}
	raw, err := json.Marshal(zeebe.Variables("job-9", "input/g", job))
	require.NoError(t, err)

	input, err := h.ParseInput(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "job-9", input.JobID)
	assert.Equal(t, "g", input.GroupID)
	assert.Equal(t, 2, input.BatchIndex)
	assert.Equal(t, 3, input.BatchCount)
	assert.Equal(t, "input/g", input.InputImagesDir)
	require.Len(t, input.InputImages, 1)
	assert.Equal(t, "g", input.InputImages[0].Subfolder)
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	ep := &fakeEndpoint{artifacts: []executor.Artifact{
		{Name: "out_00001_.png", Data: []byte("png-1")},
		{Name: "out_00002_.png", Subfolder: "run", Data: []byte("png-2")},
	}}
	h := createTestHandler(t, ep)

	output, err := h.Execute(context.Background(), createTestInput())
	require.NoError(t, err)

	require.Len(t, ep.jobs, 1)
	job := ep.jobs[0]
	assert.Equal(t, "group-1", job.GroupID)
	assert.Equal(t, 1, job.BatchIndex)
	assert.Equal(t, 2, job.BatchCount)
	assert.Contains(t, job.Document.Graph, "1")
	require.Len(t, job.InputImages, 1)
	assert.Equal(t, []byte("jpeg"), job.InputImages[0].Data)
	assert.Equal(t, "group-1", job.InputImages[0].Subfolder)

	require.Len(t, output.Images, 2)
	assert.Equal(t, "out_00001_.png", output.Images[0].Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-2")), output.Images[1].Image)
	assert.Equal(t, "run", output.Images[1].Subfolder)
	assert.Empty(t, output.Error)
}

func TestHandler_Execute_GroupFallsBackToJobID(t *testing.T) {
	ep := &fakeEndpoint{}
	h := createTestHandler(t, ep)

	input := createTestInput()
	input.GroupID = ""
	_, err := h.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "job-1", ep.jobs[0].GroupID)
}

func TestHandler_Execute_RemoteErrorIsReturnedAsOutput(t *testing.T) {
	ep := &fakeEndpoint{remoteErr: "node 3 failed"}
	h := createTestHandler(t, ep)

	output, err := h.Execute(context.Background(), createTestInput())
	require.NoError(t, err)
	assert.Equal(t, "node 3 failed", output.Error)
	assert.NotNil(t, output.Images)
	assert.Empty(t, output.Images)
}

// ==========================
// Error Handling Tests
// ==========================

func TestHandler_Execute_Errors(t *testing.T) {
	tests := []struct {
		name  string
		ep    *fakeEndpoint
		input func() *Input
		code  apperrors.ErrorCode
	}{
		{
			name: "bad input image",
			ep:   &fakeEndpoint{},
			input: func() *Input {
				in := createTestInput()
				in.InputImages[0].Image = "%%%"
				return in
			},
			code: apperrors.ErrCodeDecodeError,
		},
		{
			name:  "submit rejected",
			ep:    &fakeEndpoint{submitErr: apperrors.NewRemoteSubmissionError("comfyui", errors.New("node errors"))},
			input: createTestInput,
			code:  apperrors.ErrCodeRemoteSubmissionFailed,
		},
		{
			name:  "timed out",
			ep:    &fakeEndpoint{waitErr: apperrors.NewRemoteTimeoutError("comfyui", "prompt-1", time.Minute)},
			input: createTestInput,
			code:  apperrors.ErrCodeRemoteTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := createTestHandler(t, tt.ep)
			_, err := h.Execute(context.Background(), tt.input())
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestLoadConfig_DefaultTimeout(t *testing.T) {
	cfg := LoadConfig(&config.Config{})
	assert.Equal(t, 10*time.Minute, cfg.Timeout)

	c := &config.Config{}
	c.Camunda.Worker.Timeout = 30000
	assert.Equal(t, 30*time.Second, LoadConfig(c).Timeout)
}
