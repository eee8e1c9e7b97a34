package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

// enqueueRetryDelay re-arms a trigger whose job the engine refused.
const enqueueRetryDelay = 5 * time.Second

func capabilityKind(t task.Task) string {
	if t.Capability == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(t.Capability.Kind))
}

// arm replaces any trigger for t with one at t.DueAt() and persists the
// trigger ref. The caller holds the key lock for t.ID.
func (s *Service) arm(ctx context.Context, t task.Task) {
	s.armAt(ctx, t.ID, t.Contact, capabilityKind(t), t.DueAt())
}

func (s *Service) armAt(ctx context.Context, id, contact, kind string, due time.Time) {
	if s.stopped.Load() {
		return
	}
	delay := due.Sub(s.d.Clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	if old := s.timers[id]; old != nil {
		old.timer.Stop()
	}
	ver := s.vers[id] + 1
	s.vers[id] = ver
	ref := fmt.Sprintf("%s#%d", id, ver)
	timer := s.d.Clock.AfterFunc(delay, func() { s.onTrigger(id, ver, ref, kind) })
	s.timers[id] = &armed{timer: timer, ver: ver, due: due}
	n := len(s.timers)
	s.tmu.Unlock()
	s.d.Metrics.SetArmed(n)

	if err := s.d.Store.UpdateTrigger(ctx, id, ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("persist trigger ref failed", logx.String("task", id), logx.Err(err))
	}
	eventbus.Emit(s.d.Bus, eventbus.TaskArmed, eventbus.TaskEvent{TaskID: id, Contact: contact, DueAt: due, Reason: ref})
	s.log.Debug("task armed", logx.String("task", id), logx.Time("due", due), logx.Duration("in", delay))
}

// disarm stops id's trigger. The caller holds the key lock for id.
func (s *Service) disarm(id string) {
	s.tmu.Lock()
	if a := s.timers[id]; a != nil {
		a.timer.Stop()
		delete(s.timers, id)
	}
	delete(s.vers, id)
	n := len(s.timers)
	s.tmu.Unlock()
	s.d.Metrics.SetArmed(n)
}

func (s *Service) isArmed(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.timers[id] != nil
}

// onTrigger runs on the timer goroutine. It only hands the fire to the
// engine; nothing here may block.
func (s *Service) onTrigger(id string, ver uint64, ref, kind string) {
	s.tmu.Lock()
	a := s.timers[id]
	if a == nil || a.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	n := len(s.timers)
	s.tmu.Unlock()
	s.d.Metrics.SetArmed(n)

	s.submit(id, ref, kind)
}

func (s *Service) submit(id, ref, kind string) {
	cfg := s.config()
	job := engine.Job{
		Name:    "task:" + id,
		Trigger: ref,
		Key:     id,
		Overlap: engine.OverlapSkipIfRunning,
		Timeout: cfg.FireTimeout,
		Run:     func(ctx context.Context) error { return s.fire(ctx, id) },
	}
	if kind != "" && cfg.CapabilityConcurrency > 0 {
		job.ConcurrencyKey = "capability:" + kind
		job.ConcurrencyLimit = cfg.CapabilityConcurrency
	}

	var err error
	if s.d.Engine == nil {
		err = engine.ErrStopped
	} else {
		err = s.d.Engine.Enqueue(job)
	}
	if err == nil {
		return
	}
	s.reportEnqueueError(job.Name, err)
	if errors.Is(err, engine.ErrOverlapSkip) || s.stopped.Load() {
		return
	}
	s.d.Clock.AfterFunc(enqueueRetryDelay, func() { s.retryArm(id) })
}

// retryArm re-arms id immediately if it still exists and is pending.
func (s *Service) retryArm(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	unlock := s.locks.Lock(id)
	defer unlock()
	t, err := s.d.Store.GetTask(ctx, id)
	if err != nil || t.Executed || s.isArmed(id) {
		return
	}
	s.armAt(ctx, id, t.Contact, capabilityKind(t), s.d.Clock.Now())
}
