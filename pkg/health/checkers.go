package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// BacklogCheck fails when count reports more than limit pending units of
// work, such as in-flight payment attempts.
func BacklogCheck(what string, count func() int, limit int) CheckFunc {
	return func(_ context.Context) error {
		if n := count(); n > limit {
			return errors.Errorf("%d %s exceeds limit %d", n, what, limit)
		}
		return nil
	}
}
