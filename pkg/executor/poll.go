package executor

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by Poll when timeout elapses first. Endpoints
// translate it into a REMOTE_TIMEOUT error naming the job.
var ErrPollTimeout = errors.New("poll timeout")

// Poll calls check immediately and then every interval until it reports
// done or fails. A zero timeout polls until ctx ends.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return ErrPollTimeout
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrPollTimeout
		case <-ticker.C:
		}
	}
}
