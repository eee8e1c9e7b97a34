package scheduler

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/task"
	"remindbot/internal/task/recurrence"
	logx "remindbot/pkg/logx"
)

// missedNotifiedRef marks an elapsed task whose missed notice was already
// delivered, so later restarts stay quiet about it.
const missedNotifiedRef = "missed-notified"

// ReconcileReport counts what one reconciliation pass did.
type ReconcileReport struct {
	Armed    int
	Missed   int
	Notified int
	Fired    int
}

// Reconcile arms every pending task from the store. Tasks whose due time has
// elapsed are handled according to the missed policy. The scheduler accepts
// CreateTask only after the first successful pass.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	tasks, err := s.d.Store.ListTasks(ctx, task.ListFilter{})
	if err != nil {
		return rep, fmt.Errorf("reconcile: list tasks: %w", err)
	}

	policy := s.config().MissedPolicy
	now := s.d.Clock.Now()
	var missed []task.Task
	for _, t := range tasks {
		unlock := s.locks.Lock(t.ID)
		due := t.DueAt()
		if due.After(now) {
			s.arm(ctx, t)
			rep.Armed++
			unlock()
			continue
		}

		rep.Missed++
		s.disarm(t.ID)
		if t.TriggerRef == missedNotifiedRef && policy == MissedNotify {
			unlock()
			continue
		}
		if t.TriggerRef != "" && t.TriggerRef != missedNotifiedRef {
			if err := s.d.Store.UpdateTrigger(ctx, t.ID, ""); err != nil {
				s.log.Debug("clear trigger ref failed", logx.String("task", t.ID), logx.Err(err))
			}
		}
		unlock()

		s.log.Warn("task missed while offline",
			logx.String("task", t.ID),
			logx.String("contact", t.Contact),
			logx.Time("due", due),
			logx.String("policy", string(policy)),
		)
		eventbus.Emit(s.d.Bus, eventbus.TaskMissed, eventbus.TaskEvent{TaskID: t.ID, Contact: t.Contact, DueAt: due, Reason: string(policy)})
		missed = append(missed, t)
	}
	s.ready.Store(true)

	for _, t := range missed {
		switch policy {
		case MissedNotify:
			if err := s.d.Dispatcher.Notify(ctx, t.Contact, missedNotice(t, s.Location())); err != nil {
				s.log.Warn("missed notice failed", logx.String("task", t.ID), logx.Err(err))
				continue
			}
			rep.Notified++
			if err := s.d.Store.UpdateTrigger(ctx, t.ID, missedNotifiedRef); err != nil {
				s.log.Warn("record missed notice failed", logx.String("task", t.ID), logx.Err(err))
			}
		case MissedFire:
			s.submit(t.ID, "reconcile", capabilityKind(t))
			rep.Fired++
		}
	}

	s.log.Info("reconciled",
		logx.Int("tasks", len(tasks)),
		logx.Int("armed", rep.Armed),
		logx.Int("missed", rep.Missed),
	)
	return rep, nil
}

func missedNotice(t task.Task, loc *time.Location) string {
	due := t.DueAt().In(loc)
	recur := ""
	if t.Recurrence != nil {
		recur = " It repeats " + recurrence.Describe(t.Recurrence.Unit, t.Recurrence.Value) + " and stays paused until recreated."
	}
	return fmt.Sprintf("Missed while offline: %s (due %s).%s", t.Payload, due.Format("2006-01-02 15:04"), recur)
}
