package core

import (
	"context"
	"time"
)

// Await blocks until done is closed, ctx ends or timeout elapses.
// It returns ErrReleaseTimeout when the deadline wins.
func Await(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrReleaseTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
