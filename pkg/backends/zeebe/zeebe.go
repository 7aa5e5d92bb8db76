// Package zeebe runs workflows through a Camunda 8 process. Each batch
// starts one process instance whose service task is served by the
// comfy-run-workflow worker.
package zeebe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"comfy-executors/internal/common/camunda"
	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/executor"
)

// Result variables read back from a completed instance.
const (
	VarImages = "images"
	VarError  = "error"
)

// InstanceRunner starts a process instance and waits for its result.
// *camunda.Client implements it.
type InstanceRunner interface {
	RunInstance(ctx context.Context, processID string, vars map[string]interface{}, fetch ...string) (*camunda.InstanceResult, error)
}

type Endpoint struct {
	runner    InstanceRunner
	processID string
	log       logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingJob
}

type pendingJob struct {
	done   chan struct{}
	result *executor.JobResult
	err    error
}

func New(runner InstanceRunner, processID string, log logger.Logger) *Endpoint {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Endpoint{
		runner:    runner,
		processID: processID,
		log:       log.WithFields(map[string]interface{}{"endpoint": "zeebe", "processId": processID}),
		pending:   make(map[string]*pendingJob),
	}
}

func (e *Endpoint) Name() string { return "zeebe" }

// InputDir is relative to the working directory of the ComfyUI server the
// worker drives.
func (e *Endpoint) InputDir(groupID string) string {
	return "input/" + groupID
}

// Submit starts the process instance in the background. The instance runs
// until it completes, ctx ends or the client's request timeout elapses.
func (e *Endpoint) Submit(ctx context.Context, job *executor.Job) (executor.JobHandle, error) {
	jobID := uuid.NewString()
	vars := Variables(jobID, e.InputDir(job.GroupID), job)

	p := &pendingJob{done: make(chan struct{})}
	e.mu.Lock()
	e.pending[jobID] = p
	e.mu.Unlock()

	go func() {
		defer close(p.done)
		res, err := e.runner.RunInstance(ctx, e.processID, vars, VarImages, VarError)
		if err != nil {
			p.err = err
			return
		}
		e.log.Debug("instance completed", map[string]interface{}{"jobId": jobID, "instanceKey": res.InstanceKey})
		p.result, p.err = decodeResult(res.Variables)
	}()

	e.log.Debug("instance started", map[string]interface{}{"jobId": jobID, "groupId": job.GroupID, "batch": job.BatchIndex})
	return executor.JobHandle{ID: jobID, GroupID: job.GroupID}, nil
}

func (e *Endpoint) Wait(ctx context.Context, handle executor.JobHandle) (*executor.JobResult, error) {
	e.mu.Lock()
	p, ok := e.pending[handle.ID]
	e.mu.Unlock()
	if !ok {
		return nil, apperrors.NewResourceNotFoundError("zeebe", "unknown job "+handle.ID)
	}

	defer func() {
		e.mu.Lock()
		delete(e.pending, handle.ID)
		e.mu.Unlock()
	}()

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending reports how many submitted jobs have not been waited for.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Variables builds the process variables for a batch.
func Variables(jobID, inputDir string, job *executor.Job) map[string]interface{} {
	images := make([]map[string]interface{}, 0, len(job.InputImages))
	for _, img := range job.InputImages {
		images = append(images, map[string]interface{}{
			"name":      img.Name,
			"image":     img.Base64(),
			"subfolder": img.Subfolder,
		})
	}

	var wf interface{} = job.Document.Text
	if job.Document.Graph != nil {
		wf = job.Document.Graph
	}

	return map[string]interface{}{
		"jobId":          jobID,
		"groupId":        job.GroupID,
		"batchIndex":     job.BatchIndex,
		"batchCount":     job.BatchCount,
		"workflow":       wf,
		"inputImagesDir": inputDir,
		"inputImages":    images,
	}
}

type resultImage struct {
	Name      string `json:"name"`
	Image     string `json:"image"`
	Subfolder string `json:"subfolder"`
}

func decodeResult(vars map[string]interface{}) (*executor.JobResult, error) {
	res := &executor.JobResult{}
	if msg, ok := vars[VarError].(string); ok {
		res.Error = msg
	}

	raw, ok := vars[VarImages]
	if !ok || raw == nil {
		return res, nil
	}

	// Round trip through JSON to reuse the struct tags.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.NewRemoteSubmissionError("zeebe", err)
	}
	var images []resultImage
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, apperrors.NewRemoteSubmissionError("zeebe", fmt.Errorf("decode %s variable: %w", VarImages, err))
	}

	for _, img := range images {
		b, err := executor.DecodeBase64(img.Name, img.Image)
		if err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, executor.Artifact{Name: img.Name, Subfolder: img.Subfolder, Data: b})
	}
	return res, nil
}
