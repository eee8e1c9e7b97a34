package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func TestResilientRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := CompleterFunc(func(ctx context.Context, system, user string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok:" + user, nil
	})
	r := NewResilient(next, Config{Provider: "test", RetryMax: 3, BreakerTripFailures: -1}, logx.Nop())
	r.initWait = time.Millisecond

	got, err := r.Complete(context.Background(), "sys", "hello")
	if err != nil {
		t.Fatalf("Complete err=%v", err)
	}
	if got != "ok:hello" {
		t.Fatalf("got %q", got)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls=%d want 3", n)
	}
}

func TestResilientDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := CompleterFunc(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		return "", errors.New("400 bad request: model not found")
	})
	r := NewResilient(next, Config{Provider: "test", RetryMax: 5, BreakerTripFailures: -1}, logx.Nop())
	r.initWait = time.Millisecond

	if _, err := r.Complete(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls=%d want 1", n)
	}
}

func TestResilientBreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := CompleterFunc(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		return "", errors.New("invalid request")
	})
	r := NewResilient(next, Config{Provider: "test", RetryMax: 0, BreakerTripFailures: 2, BreakerOpenTimeout: time.Minute}, logx.Nop())

	for i := 0; i < 2; i++ {
		_, _ = r.Complete(context.Background(), "", "x")
	}
	_, err := r.Complete(context.Background(), "", "x")
	if err == nil || !strings.Contains(err.Error(), "llm unavailable") {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d want 2 (third call short-circuited)", n)
	}
}

func TestNewDisabledProvider(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Provider: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	if _, err := c.Complete(context.Background(), "", "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
	if _, err := New(Config{Provider: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
