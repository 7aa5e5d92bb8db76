package executor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/common/metrics"
	"comfy-executors/internal/common/observability"
	"comfy-executors/internal/common/validation"
	"comfy-executors/internal/jobstore"
	"comfy-executors/internal/notify"
	"comfy-executors/pkg/workflow"
)

const notifyTimeout = 10 * time.Second

// Executor renders workflow templates and runs them on an Endpoint. It is
// safe for concurrent use.
type Executor struct {
	endpoint      Endpoint
	batchSize     int
	defaults      map[string]interface{}
	randomizeSeed bool
	validateGraph bool

	store    jobstore.Store
	notifier notify.Notifier
	log      logger.Logger
	obs      *observability.Observability

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(endpoint Endpoint, opts ...Option) *Executor {
	e := &Executor{
		endpoint:      endpoint,
		batchSize:     1,
		defaults:      make(map[string]interface{}),
		randomizeSeed: true,
		validateGraph: true,
		log:           logger.NewNoOpLogger(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Endpoint returns the endpoint jobs are submitted to.
func (e *Executor) Endpoint() Endpoint { return e.endpoint }

// BatchCount is ceil(numSamples / batchSize).
func BatchCount(numSamples, batchSize int) int {
	if numSamples <= 0 || batchSize <= 0 {
		return 0
	}
	return (numSamples + batchSize - 1) / batchSize
}

// NewGroupID returns the id grouping the jobs of one call.
func NewGroupID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SubmitWorkflow renders tpl once per batch, runs each batch on the endpoint
// and returns every output image in batch order. Batches run sequentially;
// the first failure aborts the call and no partial result is returned.
//
// Every batch is rendered with the full batch size, so the last one may
// produce more than numSamples images in total.
func (e *Executor) SubmitWorkflow(ctx context.Context, tpl *workflow.Template, inputImages []image.Image, numSamples int, opts ...SubmitOption) ([]OutputImage, error) {
	inputs, err := EncodeInputImages(inputImages)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, tpl, inputs, numSamples, opts)
}

// Render renders the first batch without submitting it.
func (e *Executor) Render(tpl *workflow.Template, numSamples int, opts ...SubmitOption) (*workflow.Document, error) {
	cfg, err := e.resolve(tpl, numSamples, opts)
	if err != nil {
		return nil, err
	}
	groupID := NewGroupID()
	return e.render(tpl, cfg, groupID, numSamples, 0, max(BatchCount(numSamples, cfg.batchSize), 1))
}

func (e *Executor) resolve(tpl *workflow.Template, numSamples int, opts []SubmitOption) (*submitConfig, error) {
	cfg := &submitConfig{randomizeSeed: e.randomizeSeed}
	for _, opt := range opts {
		opt(cfg)
	}

	if tpl == nil {
		return nil, apperrors.NewInvalidRequestError("workflow template is nil")
	}
	if numSamples < 0 {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("num_samples must be >= 0, got %d", numSamples))
	}

	if cfg.batchSize == 0 {
		if n, ok := intValue(cfg.vars[workflow.VarBatchSize]); ok {
			cfg.batchSize = n
		} else {
			cfg.batchSize = e.batchSize
		}
	}
	if cfg.batchSize <= 0 {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("batch_size must be > 0, got %d", cfg.batchSize))
	}
	return cfg, nil
}

func (e *Executor) run(ctx context.Context, tpl *workflow.Template, inputs []InputImage, numSamples int, opts []SubmitOption) ([]OutputImage, error) {
	cfg, err := e.resolve(tpl, numSamples, opts)
	if err != nil {
		return nil, err
	}

	groupID := NewGroupID()
	batchCount := BatchCount(numSamples, cfg.batchSize)
	endpointName := e.endpoint.Name()
	start := time.Now()

	ctx, span := e.obs.StartSpan(ctx, "workflow.submit",
		attribute.String("template", tpl.Name()),
		attribute.String("endpoint", endpointName),
		attribute.String("group_id", groupID),
		attribute.Int("batch_count", batchCount),
	)
	defer span.End()

	log := e.log.WithFields(map[string]interface{}{
		"groupId":  groupID,
		"template": tpl.Name(),
		"endpoint": endpointName,
	})
	log.Info("submitting workflow", map[string]interface{}{
		"numSamples": numSamples,
		"batchSize":  cfg.batchSize,
		"batchCount": batchCount,
		"inputs":     len(inputs),
	})

	for i := range inputs {
		inputs[i].Subfolder = groupID
	}

	results := []OutputImage{}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, e.finish(ctx, span, log, tpl, groupID, numSamples, batchCount, 0, start, err)
		}

		images, err := e.runBatch(ctx, log, tpl, cfg, groupID, inputs, numSamples, i, batchCount)
		if err != nil {
			return nil, e.finish(ctx, span, log, tpl, groupID, numSamples, batchCount, 0, start, err)
		}
		results = append(results, images...)

		if cfg.progress != nil {
			cfg.progress(i+1, batchCount)
		}
	}

	e.finish(ctx, span, log, tpl, groupID, numSamples, batchCount, len(results), start, nil)
	return results, nil
}

func (e *Executor) render(tpl *workflow.Template, cfg *submitConfig, groupID string, numSamples, index, count int) (*workflow.Document, error) {
	doc, err := tpl.Render(workflow.Variables{
		InputImagesDir: e.endpoint.InputDir(groupID),
		BatchSize:      cfg.batchSize,
		NumSamples:     numSamples,
		BatchIndex:     index,
		BatchCount:     count,
		Extra:          extraVars(cfg.vars),
	}, e.defaults)
	if err != nil {
		return nil, err
	}

	if doc.Graph == nil {
		return doc, nil
	}
	if cfg.randomizeSeed {
		e.rngMu.Lock()
		doc.RandomizeSeeds(e.rng)
		e.rngMu.Unlock()
	}
	if e.validateGraph {
		res, err := validation.ValidateGraph(doc.Graph)
		if err != nil {
			return nil, apperrors.NewWorkflowValidationFailedError(err.Error())
		}
		if !res.Valid {
			return nil, apperrors.NewWorkflowValidationFailedError(strings.Join(res.GetErrorMessages(), "; "))
		}
	}
	return doc, nil
}

// Batch plan variables always come from the resolved plan.
var planVars = []string{workflow.VarBatchSize, workflow.VarNumSamples, workflow.VarBatchIndex, workflow.VarBatchCount}

func extraVars(vars map[string]interface{}) map[string]interface{} {
	if len(vars) == 0 {
		return vars
	}
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for _, k := range planVars {
		delete(out, k)
	}
	return out
}

func (e *Executor) runBatch(ctx context.Context, log logger.Logger, tpl *workflow.Template, cfg *submitConfig, groupID string, inputs []InputImage, numSamples, index, count int) ([]OutputImage, error) {
	ctx, span := e.obs.StartSpan(ctx, "workflow.batch", attribute.Int("batch_index", index))
	defer span.End()

	doc, err := e.render(tpl, cfg, groupID, numSamples, index, count)
	if err != nil {
		return nil, err
	}

	name := e.endpoint.Name()
	started := time.Now()

	handle, err := e.endpoint.Submit(ctx, &Job{
		GroupID:     groupID,
		BatchIndex:  index,
		BatchCount:  count,
		Document:    doc,
		InputImages: inputs,
	})
	if err != nil {
		return nil, remoteError(name, err)
	}
	metrics.BatchesSubmitted.WithLabelValues(name).Inc()
	span.SetAttributes(attribute.String("job_id", handle.ID))

	rec := jobstore.JobRecord{
		JobID:       handle.ID,
		GroupID:     groupID,
		Endpoint:    name,
		Template:    tpl.Name(),
		BatchIndex:  index,
		Status:      jobstore.StatusSubmitted,
		SubmittedAt: started,
		UpdatedAt:   started,
	}
	e.record(ctx, log, rec)
	log.Debug("batch submitted", map[string]interface{}{"jobId": handle.ID, "batch": index})

	result, err := e.endpoint.Wait(ctx, handle)
	elapsed := time.Since(started)
	metrics.BatchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	e.obs.RecordBatchDuration(ctx, name, elapsed)

	if err == nil && result == nil {
		result = &JobResult{}
	}
	if err == nil && result.Error != "" {
		if !cfg.ignoreErrors {
			err = apperrors.NewRemoteSubmissionError(name, errors.New(result.Error))
		} else {
			log.Warn("job reported an error, keeping its images", map[string]interface{}{
				"jobId": handle.ID,
				"error": result.Error,
			})
		}
	}

	var images []OutputImage
	if err == nil {
		images, err = decodeAll(result.Artifacts)
	}

	rec.UpdatedAt = time.Now()
	if err != nil {
		err = remoteError(name, err)
		rec.Status = jobstore.StatusFailed
		rec.Error = err.Error()
		e.record(ctx, log, rec)
		return nil, err
	}

	rec.Status = jobstore.StatusCompleted
	rec.Images = len(images)
	e.record(ctx, log, rec)
	metrics.ImagesReturned.WithLabelValues(name).Add(float64(len(images)))
	log.Debug("batch completed", map[string]interface{}{"jobId": handle.ID, "images": len(images)})
	return images, nil
}

func decodeAll(artifacts []Artifact) ([]OutputImage, error) {
	images := make([]OutputImage, 0, len(artifacts))
	for _, a := range artifacts {
		img, err := DecodeArtifact(a)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// remoteError keeps coded errors and context errors, and wraps anything
// else as a submission failure.
func remoteError(endpoint string, err error) error {
	var stdErr *apperrors.StandardError
	if errors.As(err, &stdErr) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewRemoteTimeoutError(endpoint, "", 0).WithMetadata("cause", err.Error())
	}
	return apperrors.NewRemoteSubmissionError(endpoint, err)
}

func (e *Executor) record(ctx context.Context, log logger.Logger, rec jobstore.JobRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record job", map[string]interface{}{"jobId": rec.JobID, "error": err})
	}
}

func (e *Executor) finish(ctx context.Context, span trace.Span, log logger.Logger, tpl *workflow.Template, groupID string, numSamples, batches, images int, start time.Time, err error) error {
	name := e.endpoint.Name()
	status := "completed"
	summary := notify.Summary{
		GroupID:    groupID,
		Template:   tpl.Name(),
		Endpoint:   name,
		NumSamples: numSamples,
		Batches:    batches,
		Images:     images,
		Duration:   time.Since(start),
	}

	if err != nil {
		status = "failed"
		code := apperrors.CodeOf(err)
		summary.ErrorCode = string(code)
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		metrics.WorkflowFailures.WithLabelValues(name, string(code)).Inc()
		log.Error("workflow failed", map[string]interface{}{"error": err, "errorCode": string(code)})
	} else {
		log.Info("workflow completed", map[string]interface{}{
			"images":     images,
			"durationMs": summary.Duration.Milliseconds(),
		})
	}
	summary.Status = status

	metrics.WorkflowSubmissions.WithLabelValues(name, tpl.Name(), status).Inc()
	e.obs.RecordSubmission(ctx, name, status)

	if e.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if nerr := e.notifier.Notify(nctx, summary); nerr != nil {
			log.Warn("failed to publish completion notification", map[string]interface{}{"error": nerr})
		}
	}
	return err
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}
