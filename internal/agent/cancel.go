package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRunCancelled is returned when a run's context is cancelled.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrRunDeadline is returned when a run outlives its deadline.
	ErrRunDeadline = errors.New("run deadline exceeded")

	errRunPanicked = errors.New("run panicked")
)

// RUN_ERROR codes for runs that stopped before finishing their plan.
const (
	codeCancelled = "cancelled"
	codeDeadline  = "deadline_exceeded"
	codePanicked  = "panic"
)

// WithRunTimeout bounds a whole run. Zero leaves the caller's context as is.
func WithRunTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d >= 0 {
			l.timeout = d
		}
	}
}

// runContext derives the context one run executes under.
func (l *Loop) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, l.timeout, fmt.Errorf("%w after %s", ErrRunDeadline, l.timeout))
}

func normalizeCancellationErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunCancelled), errors.Is(err, ErrRunDeadline):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ErrRunDeadline
	case errors.Is(err, context.Canceled):
		return ErrRunCancelled
	}
	return err
}

// checkContextCancelled reports why ctx ended, keeping a cause set with
// context.WithCancelCause or context.WithTimeoutCause.
func checkContextCancelled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	err := ctx.Err()
	if err == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, err) {
		return normalizeCancellationErr(err)
	}
	if errors.Is(cause, ErrRunCancelled) || errors.Is(cause, ErrRunDeadline) {
		return cause
	}
	return fmt.Errorf("%w: %w", normalizeCancellationErr(err), cause)
}

// IsRunCancelled reports whether err means the run was stopped from outside,
// by cancellation or deadline.
func IsRunCancelled(err error) bool {
	err = normalizeCancellationErr(err)
	return errors.Is(err, ErrRunCancelled) || errors.Is(err, ErrRunDeadline)
}

func runErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRunDeadline):
		return codeDeadline
	case errors.Is(err, ErrRunCancelled):
		return codeCancelled
	case errors.Is(err, errRunPanicked):
		return codePanicked
	}
	return ""
}
