// internal/workers/comfy/run-workflow/handler.go
package runworkflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/common/metrics"
	"comfy-executors/internal/common/validation"
	"comfy-executors/pkg/executor"
	"comfy-executors/pkg/workflow"
)

const (
	TaskType = "comfy-run-workflow"

	reportTimeout = 10 * time.Second
)

// Handler runs the workflow graph carried by a job on a ComfyUI server and
// completes the job with the produced images.
type Handler struct {
	config   *Config
	endpoint executor.Endpoint
	errors   *apperrors.ErrorHandler
	logger   logger.Logger
}

func NewHandler(config *Config, endpoint executor.Endpoint, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:   config,
		endpoint: endpoint,
		errors:   apperrors.NewErrorHandler(log),
		logger:   log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job.Variables)
	if err != nil {
		h.fail(client, job, err)
		return err
	}

	output, err := h.execute(ctx, input)
	if err != nil {
		h.fail(client, job, err)
		return err
	}

	if err := h.completeJob(client, job, output); err != nil {
		return err
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	return nil
}

func (h *Handler) parseInput(raw string) (*Input, error) {
	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}

	result, err := validation.ValidateRunWorkflowInput(vars)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, apperrors.NewWorkflowValidationFailedError(strings.Join(result.GetErrorMessages(), "; "))
	}

	var input Input
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	images := make([]executor.InputImage, 0, len(input.InputImages))
	for _, img := range input.InputImages {
		data, err := executor.DecodeBase64(img.Name, img.Image)
		if err != nil {
			return nil, err
		}
		images = append(images, executor.InputImage{Name: img.Name, Subfolder: img.Subfolder, Data: data})
	}

	groupID := input.GroupID
	if groupID == "" {
		groupID = input.JobID
	}
	job := &executor.Job{
		GroupID:     groupID,
		BatchIndex:  input.BatchIndex,
		BatchCount:  input.BatchCount,
		Document:    &workflow.Document{Template: TaskType, Graph: input.Workflow},
		InputImages: images,
	}

	handle, err := h.endpoint.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	result, err := h.endpoint.Wait(ctx, handle)
	if err != nil {
		return nil, err
	}

	output := &Output{Images: make([]ImageVar, 0, len(result.Artifacts)), Error: result.Error}
	for _, a := range result.Artifacts {
		output.Images = append(output.Images, ImageVar{
			Name:      a.Name,
			Image:     base64.StdEncoding.EncodeToString(a.Data),
			Subfolder: a.Subfolder,
		})
	}

	h.logger.Info("workflow finished", map[string]interface{}{
		"jobId":    input.JobID,
		"groupId":  groupID,
		"promptId": handle.ID,
		"images":   len(output.Images),
	})
	return output, nil
}

// Outcomes are reported on a fresh context; the job context may have expired.
func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) error {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return err
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
		return err
	}
	return nil
}

func (h *Handler) fail(client worker.JobClient, job entities.Job, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.CodeOf(err))).Inc()
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

// ParseInput validates and decodes raw job variables.
func (h *Handler) ParseInput(raw string) (*Input, error) {
	return h.parseInput(raw)
}
