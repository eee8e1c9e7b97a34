package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1}, nil)
	if err := s.Enqueue(Job{Name: "x"}); err == nil {
		t.Fatalf("expected error for nil Run")
	}
	if err := s.Enqueue(Job{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for blank name")
	}
}

func TestJobRunsAndIsRecorded(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := startEngine(t, Config{Workers: 2}, bus)
	done := make(chan struct{})
	if err := s.Enqueue(Job{Name: "fire", Trigger: "t1#1", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue err=%v", err)
	}
	<-done

	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Name != "fire" || h.Trigger != "t1#1" || h.Error != "" {
		t.Fatalf("history=%+v", h)
	}

	seen := map[string]bool{}
	waitFor(t, "job.finished", func() bool {
		for {
			select {
			case e := <-events:
				seen[e.Type] = true
			default:
				return seen[eventbus.JobStarted] && seen[eventbus.JobFinished]
			}
		}
	})
}

func TestPanicIsRecoveredAsFailure(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := startEngine(t, Config{Workers: 1}, bus)
	_ = s.Enqueue(Job{Name: "boom", Run: func(context.Context) error { panic("kaboom") }})

	var failed eventbus.JobEvent
	waitFor(t, "job.failed", func() bool {
		select {
		case e := <-events:
			if e.Type == eventbus.JobFailed {
				failed = e.Data.(eventbus.JobEvent)
				return true
			}
		default:
		}
		return false
	})
	if failed.Name != "boom" || failed.Err != "panic: kaboom" {
		t.Fatalf("failed=%+v", failed)
	}

	// The worker survives and keeps serving.
	ran := make(chan struct{})
	_ = s.Enqueue(Job{Name: "after", Run: func(context.Context) error { close(ran); return nil }})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	job := Job{
		Name:    "reconcile",
		Overlap: OverlapSkipIfRunning,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("first Enqueue err=%v", err)
	}
	<-started
	if err := s.Enqueue(job); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err=%v want ErrOverlapSkip", err)
	}
	if got := s.Snapshot().Skipped; got != 1 {
		t.Fatalf("skipped=%d", got)
	}
	close(release)

	job.Run = func(context.Context) error { return nil }
	waitFor(t, "key released", func() bool { return s.Enqueue(job) == nil })
}

func TestConcurrencyGroupLimit(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 4}, nil)
	var running, peak int32
	for i := 0; i < 6; i++ {
		err := s.Enqueue(Job{
			Name:             "weather",
			ConcurrencyKey:   "cap:weather",
			ConcurrencyLimit: 1,
			Run: func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Enqueue err=%v", err)
		}
	}
	waitFor(t, "all jobs", func() bool { return len(s.Snapshot().History) == 6 })
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Fatalf("peak concurrency=%d want 1", p)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Job{Name: "busy", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	defer close(block)

	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Job{Name: "queued", Run: noop}); err != nil {
		t.Fatalf("Enqueue err=%v", err)
	}
	if err := s.Enqueue(Job{Name: "overflow", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestTimeoutCancelsJob(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	_ = s.Enqueue(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("history=%+v", h)
	}
}

func TestStopRejectsNewJobs(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if err := s.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	if s.Snapshot().Running {
		t.Fatalf("snapshot still running")
	}
}
