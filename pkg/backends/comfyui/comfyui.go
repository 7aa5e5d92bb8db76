// Package comfyui runs workflows on a self-hosted ComfyUI server through its
// HTTP API.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"comfy-executors/internal/common/config"
	apperrors "comfy-executors/internal/common/errors"
	httpclient "comfy-executors/internal/common/http"
	"comfy-executors/internal/common/logger"
	"comfy-executors/pkg/executor"
)

const (
	requestTimeout = 60 * time.Second
	maxUploads     = 4
)

// Endpoint implements executor.Endpoint against a ComfyUI server.
type Endpoint struct {
	client       *httpclient.Client
	pollInterval time.Duration
	timeout      time.Duration
	log          logger.Logger

	mu       sync.Mutex
	uploaded map[string]bool
	// prompts that close their group, keyed by prompt id
	closing map[string]string
}

func New(cfg config.ComfyUIConfig, log logger.Logger) *Endpoint {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"endpoint": "comfyui", "host": cfg.Host})

	opts := []httpclient.Option{httpclient.WithLogger(log)}
	if cfg.MaxRetries > 0 {
		opts = append(opts, httpclient.WithRetries(cfg.MaxRetries, 250*time.Millisecond, 2*time.Second))
	}

	interval := cfg.Poll()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &Endpoint{
		client:       httpclient.NewClient(cfg.Host, requestTimeout, opts...),
		pollInterval: interval,
		timeout:      cfg.JobTimeout(),
		log:          log,
		uploaded:     make(map[string]bool),
		closing:      make(map[string]string),
	}
}

func (e *Endpoint) Name() string { return "comfyui" }

// InputDir is relative to the server's working directory.
func (e *Endpoint) InputDir(groupID string) string {
	return "input/" + groupID
}

type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
	Error      json.RawMessage            `json:"error,omitempty"`
}

// Submit uploads the group's input images on first use and queues the
// prompt. The group is forgotten once its last batch has been waited on, or
// as soon as one of its batches fails.
func (e *Endpoint) Submit(ctx context.Context, job *executor.Job) (executor.JobHandle, error) {
	if job.Document.Graph == nil {
		return executor.JobHandle{}, apperrors.NewInvalidRequestError("comfyui expects a json workflow graph")
	}

	if err := e.uploadOnce(ctx, job.GroupID, job.InputImages); err != nil {
		return executor.JobHandle{}, err
	}

	out, err := e.queuePrompt(ctx, job)
	if err != nil {
		e.forget(job.GroupID)
		return executor.JobHandle{}, err
	}

	if job.BatchCount <= 0 || job.BatchIndex >= job.BatchCount-1 {
		e.mu.Lock()
		e.closing[out.PromptID] = job.GroupID
		e.mu.Unlock()
	}

	e.log.Debug("prompt queued", map[string]interface{}{
		"promptId": out.PromptID,
		"number":   out.Number,
		"groupId":  job.GroupID,
		"batch":    job.BatchIndex,
	})
	return executor.JobHandle{ID: out.PromptID, GroupID: job.GroupID}, nil
}

func (e *Endpoint) queuePrompt(ctx context.Context, job *executor.Job) (*promptResponse, error) {
	var out promptResponse
	err := e.client.PostJSON(ctx, "/prompt", map[string]interface{}{
		"prompt":    job.Document.Graph,
		"client_id": job.GroupID,
	}, &out)
	if err != nil {
		return nil, e.requestError(err)
	}
	if len(out.NodeErrors) > 0 {
		raw, _ := json.Marshal(out.NodeErrors)
		return nil, apperrors.NewRemoteSubmissionError(e.Name(), fmt.Errorf("node errors: %s", raw))
	}
	if out.PromptID == "" {
		return nil, apperrors.NewRemoteSubmissionError(e.Name(), errors.New("prompt response has no prompt_id"))
	}
	return &out, nil
}

func (e *Endpoint) forget(groupID string) {
	e.mu.Lock()
	delete(e.uploaded, groupID)
	e.mu.Unlock()
}

// release drops the upload marker of a finished group.
func (e *Endpoint) release(handle executor.JobHandle, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	groupID, last := e.closing[handle.ID]
	delete(e.closing, handle.ID)
	if !last {
		groupID = handle.GroupID
	}
	if last || failed {
		delete(e.uploaded, groupID)
	}
}

// Groups reports how many groups still have uploaded inputs tracked.
func (e *Endpoint) Groups() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.uploaded)
}

func (e *Endpoint) uploadOnce(ctx context.Context, groupID string, images []executor.InputImage) error {
	if len(images) == 0 {
		return nil
	}

	e.mu.Lock()
	done := e.uploaded[groupID]
	e.mu.Unlock()
	if done {
		return nil
	}

	e.log.Info("uploading input images", map[string]interface{}{"groupId": groupID, "count": len(images)})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxUploads)
	for _, img := range images {
		g.Go(func() error {
			return e.UploadImage(gctx, img)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	e.uploaded[groupID] = true
	e.mu.Unlock()
	return nil
}

// UploadImage stores one image in the server's input folder, under its
// subfolder.
func (e *Endpoint) UploadImage(ctx context.Context, img executor.InputImage) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("image", img.Name)
	if err != nil {
		return err
	}
	if _, err := part.Write(img.Data); err != nil {
		return err
	}
	for k, v := range map[string]string{"subfolder": img.Subfolder, "type": "input", "overwrite": "true"} {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	if _, err := e.client.Post(ctx, "/upload/image", w.FormDataContentType(), body.Bytes()); err != nil {
		return apperrors.NewRemoteSubmissionError(e.Name(), fmt.Errorf("upload %s: %w", img.Name, err))
	}
	return nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Wait polls /history until the prompt appears, then downloads its output
// images ordered by node id.
func (e *Endpoint) Wait(ctx context.Context, handle executor.JobHandle) (result *executor.JobResult, err error) {
	defer func() { e.release(handle, err != nil) }()

	var entry *historyEntry
	err = executor.Poll(ctx, e.pollInterval, e.timeout, func(ctx context.Context) (bool, error) {
		var history map[string]historyEntry
		if err := e.client.GetJSON(ctx, "/history/"+handle.ID, &history); err != nil {
			return false, e.requestError(err)
		}
		if h, ok := history[handle.ID]; ok {
			entry = &h
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, executor.ErrPollTimeout) {
		e.dequeue(handle.ID)
		return nil, apperrors.NewRemoteTimeoutError(e.Name(), handle.ID, e.timeout)
	}
	if err != nil {
		return nil, err
	}

	if entry.Status.StatusStr == "error" {
		msg := "execution failed"
		if n := len(entry.Status.Messages); n > 0 {
			msg = string(entry.Status.Messages[n-1])
		}
		return nil, apperrors.NewRemoteSubmissionError(e.Name(), errors.New(msg)).WithMetadata("promptId", handle.ID)
	}

	result = &executor.JobResult{}
	for _, nodeID := range sortedNodeIDs(entry) {
		for _, ref := range entry.Outputs[nodeID].Images {
			if ref.Type == "temp" {
				continue
			}
			data, err := e.view(ctx, ref)
			if err != nil {
				return nil, err
			}
			result.Artifacts = append(result.Artifacts, executor.Artifact{
				Name:      ref.Filename,
				Subfolder: ref.Subfolder,
				Data:      data,
			})
		}
	}

	e.log.Debug("prompt finished", map[string]interface{}{"promptId": handle.ID, "artifacts": len(result.Artifacts)})
	return result, nil
}

func (e *Endpoint) view(ctx context.Context, ref imageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	data, err := e.client.Do(ctx, http.MethodGet, "/view?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, apperrors.NewRemoteSubmissionError(e.Name(), fmt.Errorf("fetch %s: %w", ref.Filename, err))
	}
	return data, nil
}

// dequeue drops a prompt that is still pending. A running prompt is left
// alone since /interrupt cannot target it.
func (e *Endpoint) dequeue(promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.client.PostJSON(ctx, "/queue", map[string]interface{}{"delete": []string{promptID}}, nil); err != nil {
		e.log.Warn("failed to delete prompt from queue", map[string]interface{}{"promptId": promptID, "error": err})
	}
}

func (e *Endpoint) requestError(err error) error {
	if httpclient.StatusCode(err) == http.StatusBadRequest {
		return apperrors.NewRemoteSubmissionError(e.Name(), err)
	}
	return err
}

// sortedNodeIDs orders output nodes numerically, falling back to string
// order for non-numeric ids.
func sortedNodeIDs(entry *historyEntry) []string {
	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if errA == nil || errB == nil {
			return errA == nil
		}
		return ids[i] < ids[j]
	})
	return ids
}
