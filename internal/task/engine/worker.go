package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// groupRetryDelay is how long a worker waits before requeueing a job whose
// concurrency group is at capacity.
const groupRetryDelay = 10 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			var releaseGroup func()
			if gs := s.groups.get(qj.job.ConcurrencyKey, qj.job.ConcurrencyLimit); gs != nil {
				if !gs.tryAcquire() {
					if !s.requeue(ctx, stopCh, queue, qj) {
						return
					}
					continue
				}
				releaseGroup = gs.release
			}

			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qj)
			atomic.AddInt32(&s.inFlight, -1)
			if releaseGroup != nil {
				releaseGroup()
			}
		}
	}
}

// requeue puts a group-blocked job back at the tail of the queue. It returns
// false when the worker should exit.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, qj queuedJob) bool {
	t := time.NewTimer(groupRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		qj.release()
		return false
	case <-stopCh:
		qj.release()
		return false
	case <-t.C:
	}
	select {
	case queue <- qj:
	default:
		qj.release()
		s.onQueueFullDropped(time.Now(), qj.job, queue)
	}
	return true
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	defer qj.release()

	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Trigger: qj.job.Trigger, Started: start, QueueDelay: queueDelay}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qj.job, queueDelay)
		item.Error = "stale_queue_delay"
		s.record(item)
		return
	}

	s.log.Debug("job started", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(s.bus, eventbus.JobStarted, eventbus.JobEvent{Name: qj.job.Name, Trigger: qj.job.Trigger})

	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	err := s.runGuarded(runCtx, qj.job)

	dur := time.Since(start)
	item.Duration = dur
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", qj.job.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		eventbus.Emit(s.bus, eventbus.JobFailed, eventbus.JobEvent{Name: qj.job.Name, Trigger: qj.job.Trigger, Duration: dur, Err: item.Error})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("job finished", logx.String("job", qj.job.Name), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job finished", logx.String("job", qj.job.Name), logx.Duration("dur", dur))
		}
		eventbus.Emit(s.bus, eventbus.JobFinished, eventbus.JobEvent{Name: qj.job.Name, Trigger: qj.job.Trigger, Duration: dur})
	}
	s.record(item)
}

// runGuarded converts a panic in j.Run into an error so one bad job cannot
// kill a worker.
func (s *Service) runGuarded(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.Run(ctx)
}
