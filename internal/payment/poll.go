package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrPollTimeout is returned by Poll when the overall timeout elapses before
// the check reports completion.
var ErrPollTimeout = errors.New("poll timed out")

// PollConfig configures Poll.
type PollConfig struct {
	// Interval between checks.
	Interval time.Duration
	// Timeout is the overall ceiling. Zero means no ceiling.
	Timeout time.Duration
}

// Poll calls check immediately and then every cfg.Interval until it reports
// done, returns an error, the timeout elapses or ctx is cancelled. The ticker
// is stopped on every return path, so no check runs after Poll returns.
func Poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) (done bool, err error)) error {
	if cfg.Interval <= 0 {
		return errors.Errorf("invalid poll interval %s", cfg.Interval)
	}

	pollCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.Timeout > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// stopped maps the end of pollCtx to the caller-visible error.
	stopped := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrPollTimeout
	}

	for {
		done, err := check(pollCtx)
		if err == nil && done {
			return nil
		}
		if pollCtx.Err() != nil {
			return stopped()
		}
		if err != nil {
			return err
		}

		select {
		case <-pollCtx.Done():
			return stopped()
		case <-ticker.C:
		}
	}
}
