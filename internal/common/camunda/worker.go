// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"

	"comfy-executors/internal/common/metrics"
)

// JobHandler processes one activated job and reports its outcome to Zeebe
// itself. A returned error is only logged.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job) error
}

type WorkerOptions struct {
	MaxJobsActive int
	// Timeout is how long Zeebe keeps a job locked to this worker.
	Timeout     time.Duration
	PollTimeout time.Duration
}

type CamundaWorker struct {
	worker   worker.JobWorker
	logger   *zap.Logger
	taskType string
}

func NewWorker(
	client zbc.Client,
	taskType string,
	opts WorkerOptions,
	handler JobHandler,
	logger *zap.Logger,
) *CamundaWorker {
	logger = logger.With(zap.String("taskType", taskType))

	step := client.NewJobWorker().
		JobType(taskType).
		Handler(instrument(taskType, handler, logger))
	if opts.MaxJobsActive > 0 {
		step = step.MaxJobsActive(opts.MaxJobsActive)
	}
	if opts.Timeout > 0 {
		step = step.Timeout(opts.Timeout)
	}
	if opts.PollTimeout > 0 {
		step = step.RequestTimeout(opts.PollTimeout)
	}

	return &CamundaWorker{
		worker:   step.Open(),
		logger:   logger,
		taskType: taskType,
	}
}

// instrument wraps handler with the active-jobs gauge and error logging.
func instrument(taskType string, handler JobHandler, logger *zap.Logger) worker.JobHandler {
	return func(client worker.JobClient, job entities.Job) {
		active := metrics.WorkerJobsActive.WithLabelValues(taskType)
		active.Inc()
		defer active.Dec()

		start := time.Now()
		if err := handler.Handle(client, job); err != nil {
			logger.Error("handler returned error",
				zap.Error(err),
				zap.Int64("jobKey", job.Key),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
	}
}

func (w *CamundaWorker) Start() {
	w.logger.Info("worker started")
}

// Stop closes the job worker and waits for in-flight jobs to finish.
func (w *CamundaWorker) Stop(ctx context.Context) {
	w.logger.Info("stopping worker")
	w.worker.Close()

	done := make(chan struct{})
	go func() {
		w.worker.AwaitClose()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker did not stop in time")
	}
}
