package executor

import (
	"math/rand"

	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/common/observability"
	"comfy-executors/internal/jobstore"
	"comfy-executors/internal/notify"
)

type Option func(*Executor)

// DefaultBatchSize sets the batch size used when a call does not choose one.
func DefaultBatchSize(n int) Option {
	return func(e *Executor) { e.batchSize = n }
}

// DefaultVariables binds variables for every render, below call-site values.
func DefaultVariables(vars map[string]interface{}) Option {
	return func(e *Executor) {
		for k, v := range vars {
			e.defaults[k] = v
		}
	}
}

// DefaultSeedRandomization sets whether seeds are randomized when a call
// does not say.
func DefaultSeedRandomization(enabled bool) Option {
	return func(e *Executor) { e.randomizeSeed = enabled }
}

// WithGraphValidation toggles the node graph shape check on json documents.
func WithGraphValidation(enabled bool) Option {
	return func(e *Executor) { e.validateGraph = enabled }
}

func WithJobStore(store jobstore.Store) Option {
	return func(e *Executor) { e.store = store }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

func WithLogger(log logger.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

func WithObservability(obs *observability.Observability) Option {
	return func(e *Executor) { e.obs = obs }
}

// WithRandSource fixes the seed randomization source.
func WithRandSource(src rand.Source) Option {
	return func(e *Executor) { e.rng = rand.New(src) }
}

// SubmitOption customizes a single SubmitWorkflow call.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	batchSize     int
	vars          map[string]interface{}
	randomizeSeed bool
	ignoreErrors  bool
	progress      func(done, total int)
}

// WithBatchSize overrides the executor's batch size for one call.
func WithBatchSize(n int) SubmitOption {
	return func(c *submitConfig) { c.batchSize = n }
}

// WithVariables binds call-site variables; they override every other layer.
func WithVariables(vars map[string]interface{}) SubmitOption {
	return func(c *submitConfig) {
		if c.vars == nil {
			c.vars = make(map[string]interface{}, len(vars))
		}
		for k, v := range vars {
			c.vars[k] = v
		}
	}
}

func WithSeedRandomization(enabled bool) SubmitOption {
	return func(c *submitConfig) { c.randomizeSeed = enabled }
}

// WithIgnoreErrors keeps the images of a job that also reported an error
// instead of failing the call.
func WithIgnoreErrors(ignore bool) SubmitOption {
	return func(c *submitConfig) { c.ignoreErrors = ignore }
}

// WithProgress is called after each completed batch.
func WithProgress(fn func(done, total int)) SubmitOption {
	return func(c *submitConfig) { c.progress = fn }
}
