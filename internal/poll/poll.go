// Package poll waits for cluster and cloud conditions to become true.
package poll

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Condition reports whether the awaited state has been reached. A non-nil
// error stops the wait.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond immediately and then every interval until it returns
// true, returns an error, or ctx ends. A zero timeout waits indefinitely.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	fn := wait.ConditionWithContextFunc(cond)
	if timeout > 0 {
		return wait.PollUntilContextTimeout(ctx, interval, timeout, true, fn)
	}
	return wait.PollUntilContextCancel(ctx, interval, true, fn)
}

// Sleep pauses for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
