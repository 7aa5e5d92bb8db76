package executor

import (
	"context"
	"image"

	"golang.org/x/sync/errgroup"

	"comfy-executors/pkg/workflow"
)

// Future is the pending result of SubmitWorkflowAsync.
type Future struct {
	done   chan struct{}
	images []OutputImage
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(images []OutputImage, err error) {
	f.images, f.err = images, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the submission finishes or ctx ends. Abandoning a
// future does not cancel remote jobs; cancel the context given to
// SubmitWorkflowAsync for that.
func (f *Future) Wait(ctx context.Context) ([]OutputImage, error) {
	select {
	case <-f.done:
		return f.images, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitWorkflowAsync is SubmitWorkflow on its own goroutine. The input
// images are encoded before it returns, so the caller may reuse them.
func (e *Executor) SubmitWorkflowAsync(ctx context.Context, tpl *workflow.Template, inputImages []image.Image, numSamples int, opts ...SubmitOption) *Future {
	f := newFuture()

	inputs, err := EncodeInputImages(inputImages)
	if err != nil {
		f.resolve(nil, err)
		return f
	}

	go func() {
		f.resolve(e.run(ctx, tpl, inputs, numSamples, opts))
	}()
	return f
}

// Gather waits for every future and returns their results in the same
// order. It stops waiting at the first error and returns it; the remaining
// submissions keep running.
func Gather(ctx context.Context, futures ...*Future) ([][]OutputImage, error) {
	results := make([][]OutputImage, len(futures))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		g.Go(func() error {
			images, err := f.Wait(gctx)
			if err != nil {
				return err
			}
			results[i] = images
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
