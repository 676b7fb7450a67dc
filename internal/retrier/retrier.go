// Package retrier runs remote operations with a bounded number of attempts
// separated by a fixed delay. Every cloud and cluster call in a rotation goes
// through a single Executor so the retry policy is uniform.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"node-rotator/internal/logger"
)

const (
	DefaultAttempts = 12
	DefaultDelay    = 8 * time.Second
)

// Error is returned when an operation failed on every attempt
type Error struct {
	Operation   string
	Attempts    int
	MaxAttempts int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d/%d attempts: %v", e.Operation, e.Attempts, e.MaxAttempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. The executor returns it on the
// first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retry.Unrecoverable(err)
}

// Executor retries operations with a fixed delay
type Executor struct {
	attempts int
	delay    time.Duration
	logger   *logger.Logger
}

// New creates an Executor. Non-positive attempts fall back to DefaultAttempts.
func New(attempts int, delay time.Duration, log *logger.Logger) *Executor {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	if log == nil {
		log = logger.NewDefault("retrier")
	}
	return &Executor{attempts: attempts, delay: delay, logger: log}
}

// Attempts returns the configured attempt ceiling
func (e *Executor) Attempts() int {
	return e.attempts
}

// Delay returns the pause between attempts
func (e *Executor) Delay() time.Duration {
	return e.delay
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// cancelled, or the attempt ceiling is reached.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	performed := 0
	err := retry.Do(
		func() error {
			performed++
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(e.attempts)),
		retry.Delay(e.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// retry-go also calls this after the final attempt
			if int(n)+1 >= e.attempts {
				return
			}
			e.logger.Warn("Retrying operation",
				"operation", operation,
				"attempt", int(n)+1,
				"max_attempts", e.attempts,
				"retry_in", e.delay,
				"error", err,
			)
		}),
	)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%s: %w", operation, ctxErr)
	}
	if performed >= e.attempts {
		e.logger.Error("Retries exhausted",
			"operation", operation,
			"attempts", performed,
			"error", err,
		)
	}
	return &Error{
		Operation:   operation,
		Attempts:    performed,
		MaxAttempts: e.attempts,
		Err:         err,
	}
}

// Value runs fn through the executor and returns its result
func Value[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
