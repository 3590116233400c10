package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// joinGrace is how long a timed-out worker is given to observe cancellation
// before the caller stops waiting for it.
var joinGrace = 5 * time.Second

// runIsolated runs fn on its own goroutine and blocks until it returns, the
// timeout elapses or ctx is cancelled. A panic inside fn becomes
// ErrWorkerPanic instead of unwinding the caller.
func runIsolated(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(joinGrace):
		}
		err = ctx.Err()
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrWorkerTimeout, timeout)
	}
	return err
}
