package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

// sleepContext waits for d on clock unless ctx ends first.
func sleepContext(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// waitBounded waits for done, giving up after timeout. A zero timeout waits
// until ctx ends.
func waitBounded(ctx context.Context, clock clockwork.Clock, timeout time.Duration, done <-chan struct{}) bool {
	if timeout <= 0 {
		select {
		case <-done:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return false
	}
}
