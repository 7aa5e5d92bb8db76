// Package runpod runs workflows on a RunPod serverless endpoint hosting a
// ComfyUI worker.
package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"comfy-executors/internal/common/config"
	apperrors "comfy-executors/internal/common/errors"
	httpclient "comfy-executors/internal/common/http"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/executor"
)

const (
	requestTimeout = 60 * time.Second
	cancelTimeout  = 10 * time.Second
)

// Job states reported by /status and /stream.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
	StatusTimedOut   = "TIMED_OUT"
)

// Endpoint implements executor.Endpoint against the RunPod v2 API.
type Endpoint struct {
	client       *httpclient.Client
	endpointID   string
	baseDir      string
	pollInterval time.Duration
	timeout      time.Duration
	log          logger.Logger
}

func New(cfg config.RunPodConfig, log logger.Logger) *Endpoint {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"endpoint": "runpod", "endpointId": cfg.EndpointID})

	opts := []httpclient.Option{
		httpclient.WithBearerToken(cfg.APIKey),
		httpclient.WithLogger(log),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, httpclient.WithRetries(cfg.MaxRetries, 500*time.Millisecond, 5*time.Second))
	}

	baseDir := cfg.ComfyUIBaseDir
	if baseDir == "" {
		baseDir = "/comfyui"
	}
	interval := cfg.Poll()
	if interval <= 0 {
		interval = time.Second
	}

	return &Endpoint{
		client:       httpclient.NewClient(cfg.EndpointURL(), requestTimeout, opts...),
		endpointID:   cfg.EndpointID,
		baseDir:      baseDir,
		pollInterval: interval,
		timeout:      cfg.JobTimeout(),
		log:          log,
	}
}

func (e *Endpoint) Name() string { return "runpod" }

// InputDir is where the worker writes the uploaded images inside the
// ComfyUI installation.
func (e *Endpoint) InputDir(groupID string) string {
	return path.Join(e.baseDir, "input", groupID)
}

type runInput struct {
	Workflow      interface{}  `json:"workflow"`
	BatchCount    int          `json:"batch_count"`
	RandomizeSeed bool         `json:"randomize_seed"`
	Images        []inputImage `json:"images"`
}

type inputImage struct {
	Name      string `json:"name"`
	Image     string `json:"image"`
	Subfolder string `json:"subfolder"`
}

type jobStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type streamResponse struct {
	Status string `json:"status"`
	Stream []struct {
		Output json.RawMessage `json:"output"`
	} `json:"stream"`
}

// Submit posts one batch to /run. Batching and seed randomization happen
// client side, so the worker always runs a single batch as given.
func (e *Endpoint) Submit(ctx context.Context, job *executor.Job) (executor.JobHandle, error) {
	in := runInput{
		BatchCount: 1,
		Images:     make([]inputImage, 0, len(job.InputImages)),
	}
	if job.Document.Graph != nil {
		in.Workflow = job.Document.Graph
	} else {
		in.Workflow = job.Document.Text
	}
	for _, img := range job.InputImages {
		in.Images = append(in.Images, inputImage{Name: img.Name, Image: img.Base64(), Subfolder: img.Subfolder})
	}

	var out jobStatus
	if err := e.client.PostJSON(ctx, "/run", map[string]interface{}{"input": in}, &out); err != nil {
		return executor.JobHandle{}, e.requestError(err)
	}
	if out.ID == "" {
		return executor.JobHandle{}, apperrors.NewRemoteSubmissionError(e.Name(), errors.New("run response has no job id"))
	}

	e.log.Debug("job queued", map[string]interface{}{"jobId": out.ID, "groupId": job.GroupID, "batch": job.BatchIndex})
	return executor.JobHandle{ID: out.ID, GroupID: job.GroupID}, nil
}

// Wait polls /status while the job is queued, then reads /stream until the
// job is terminal. The whole wait is bounded by the configured job timeout.
// If ctx is cancelled the remote job is cancelled too.
func (e *Endpoint) Wait(ctx context.Context, handle executor.JobHandle) (*executor.JobResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.wait(ctx, handle)
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		e.cancelRemote(handle.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.NewRemoteTimeoutError(e.Name(), handle.ID, e.timeout)
		}
	}
	return nil, err
}

func (e *Endpoint) wait(ctx context.Context, handle executor.JobHandle) (*executor.JobResult, error) {
	var status jobStatus
	err := executor.Poll(ctx, e.pollInterval, 0, func(ctx context.Context) (bool, error) {
		if err := e.client.GetJSON(ctx, "/status/"+handle.ID, &status); err != nil {
			return false, e.requestError(err)
		}
		if status.Status == StatusInQueue {
			e.log.Debug("job in queue", map[string]interface{}{"jobId": handle.ID})
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.terminalError(handle.ID, status); err != nil {
		return nil, err
	}

	e.log.Debug("job started, streaming output", map[string]interface{}{"jobId": handle.ID})
	return e.stream(ctx, handle.ID)
}

func (e *Endpoint) stream(ctx context.Context, jobID string) (*executor.JobResult, error) {
	var (
		merger chunkMerger
		result = &executor.JobResult{}
		errs   []string
	)

	consume := func(lines []string) error {
		for _, line := range lines {
			e.log.Debug("stream payload", map[string]interface{}{"jobId": jobID, "bytes": len(line)})
			arts, msg, err := parseLine(line)
			if err != nil {
				return err
			}
			if msg != "" {
				errs = append(errs, msg)
			}
			result.Artifacts = append(result.Artifacts, arts...)
		}
		return nil
	}

	var last streamResponse
	err := executor.Poll(ctx, e.pollInterval, 0, func(ctx context.Context) (bool, error) {
		last = streamResponse{}
		if err := e.client.GetJSON(ctx, "/stream/"+jobID, &last); err != nil {
			return false, e.requestError(err)
		}
		for _, item := range last.Stream {
			if err := consume(merger.Add(chunkText(item.Output))); err != nil {
				return false, err
			}
		}
		return isTerminal(last.Status), nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.terminalError(jobID, jobStatus{ID: jobID, Status: last.Status}); err != nil {
		return nil, err
	}
	if rest := merger.Rest(); rest != "" {
		return nil, apperrors.NewRemoteSubmissionError(e.Name(),
			fmt.Errorf("stream ended without a trailing newline (%d bytes pending)", len(rest)))
	}

	result.Error = strings.Join(errs, "; ")
	e.log.Debug("stream ended", map[string]interface{}{"jobId": jobID, "artifacts": len(result.Artifacts)})
	return result, nil
}

// Cancel asks RunPod to stop a job.
func (e *Endpoint) Cancel(ctx context.Context, jobID string) error {
	if _, err := e.client.Post(ctx, "/cancel/"+jobID, "application/json", nil); err != nil {
		return e.requestError(err)
	}
	return nil
}

func (e *Endpoint) cancelRemote(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := e.Cancel(ctx, jobID); err != nil {
		e.log.Warn("failed to cancel job", map[string]interface{}{"jobId": jobID, "error": err})
		return
	}
	e.log.Info("job cancelled", map[string]interface{}{"jobId": jobID})
}

func (e *Endpoint) terminalError(jobID string, st jobStatus) error {
	switch st.Status {
	case StatusFailed, StatusCancelled:
		msg := st.Error
		if msg == "" && len(st.Output) > 0 {
			msg = string(st.Output)
		}
		if msg == "" {
			msg = "job " + strings.ToLower(st.Status)
		}
		return apperrors.NewRemoteSubmissionError(e.Name(), errors.New(msg)).
			WithMetadata("jobId", jobID).
			WithMetadata("status", st.Status)
	case StatusTimedOut:
		return apperrors.NewRemoteTimeoutError(e.Name(), jobID, e.timeout)
	}
	return nil
}

func (e *Endpoint) requestError(err error) error {
	switch httpclient.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.NewAuthenticationError("RunPod rejected the API key").WithMetadata("cause", err.Error())
	case http.StatusNotFound:
		return apperrors.NewResourceNotFoundError("runpod", err.Error())
	}
	return err
}

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}
