package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckContextCancelled(t *testing.T) {
	t.Parallel()

	if err := checkContextCancelled(nil); err != nil {
		t.Fatalf("nil context: %v", err)
	}
	if err := checkContextCancelled(context.Background()); err != nil {
		t.Fatalf("live context: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := checkContextCancelled(ctx); !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
}

func TestCheckContextCancelledKeepsCause(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("client went away"))
	err := checkContextCancelled(ctx)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if got, want := err.Error(), "run cancelled: client went away"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
	if code := runErrorCode(err); code != codeCancelled {
		t.Fatalf("code = %q", code)
	}
}

func TestRunContextDeadline(t *testing.T) {
	t.Parallel()

	loop := NewLoop(StaticPlanner{}, &scriptedExecutor{}, WithRunTimeout(time.Millisecond))
	ctx, cancel := loop.runContext(context.Background())
	defer cancel()
	<-ctx.Done()

	err := checkContextCancelled(ctx)
	if !errors.Is(err, ErrRunDeadline) {
		t.Fatalf("expected ErrRunDeadline, got %v", err)
	}
	if code := runErrorCode(err); code != codeDeadline {
		t.Fatalf("code = %q", code)
	}
}

func TestIsRunCancelled(t *testing.T) {
	t.Parallel()

	if !IsRunCancelled(context.DeadlineExceeded) {
		t.Fatalf("deadline should count as cancellation")
	}
	if !IsRunCancelled(context.Canceled) {
		t.Fatalf("cancel should count as cancellation")
	}
	if IsRunCancelled(errors.New("boom")) {
		t.Fatalf("plain error is not a cancellation")
	}
	if IsRunCancelled(nil) {
		t.Fatalf("nil is not a cancellation")
	}
	if code := runErrorCode(errors.New("boom")); code != "" {
		t.Fatalf("plain error code = %q", code)
	}
}
