package scheduler

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task/recurrence"
	logx "remindbot/pkg/logx"
)

const persistTimeout = 10 * time.Second

// fire runs on an engine worker. The dispatch happens without the key lock
// so a slow capability never blocks Delete; completion re-reads the record
// under the lock and does nothing if it is gone.
func (s *Service) fire(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	t, err := s.d.Store.GetTask(ctx, id)
	unlock()
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("fired task no longer exists", logx.String("task", id))
		return nil
	}
	if err != nil {
		// Leave it for the next reconcile rather than firing blind.
		return err
	}
	if t.Executed {
		return nil
	}

	out := s.d.Dispatcher.Fire(ctx, t)
	s.complete(ctx, id, out.FiredAt)
	return nil
}

// complete advances a recurring task or marks a one-shot task executed.
func (s *Service) complete(ctx context.Context, id string, firedAt time.Time) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.d.Store.GetTask(pctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("task deleted during dispatch", logx.String("task", id))
		return
	}
	if err != nil {
		s.log.Error("reload after fire failed", logx.String("task", id), logx.Err(err))
		return
	}

	ev := eventbus.TaskEvent{TaskID: id, Contact: t.Contact}
	if t.Recurrence != nil {
		next, err := recurrence.Next(s.d.Clock.Now(), t.Recurrence.Unit, t.Recurrence.Value)
		if err != nil {
			s.log.Error("bad recurrence on stored task", logx.String("task", id), logx.Err(err))
			return
		}
		if err := s.d.Store.UpdateNextRun(pctx, id, next); err != nil {
			s.log.Error("advance recurring task failed", logx.String("task", id), logx.Err(err))
			return
		}
		t.Recurrence.NextRunAt = next
		s.arm(pctx, t)
		ev.DueAt = next
		ev.Reason = "rescheduled"
	} else {
		if err := s.d.Store.MarkExecuted(pctx, id); err != nil {
			s.log.Error("mark executed failed", logx.String("task", id), logx.Err(err))
			return
		}
		ev.DueAt = firedAt
		ev.Reason = "executed"
	}
	eventbus.Emit(s.d.Bus, eventbus.TaskCompleted, ev)
}
