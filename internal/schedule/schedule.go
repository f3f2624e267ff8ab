package schedule

import (
	"context"
	"time"
)

// RunAt calls execute in a new goroutine once runAt has passed. execute is
// never called if ctx ends first. The returned channel is closed once
// execute has returned or been skipped.
func RunAt(ctx context.Context, runAt time.Time, execute func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(time.Until(runAt))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		execute(ctx)
	}()
	return done
}
