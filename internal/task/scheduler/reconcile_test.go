package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task"
)

// restart simulates a process restart: the first service stops, the clock
// moves past some due times, and a fresh service reconciles the same store.
func restart(t *testing.T, cfg Config, downtime time.Duration, seed func(h *harness) []string) (*harness, []string) {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock()

	st1 := openStore(t, dir)
	first := newHarness(t, st1, clock, cfg)
	if err := first.svc.Start(context.Background()); err != nil {
		t.Fatalf("first Start err=%v", err)
	}
	ids := seed(first)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	first.svc.Stop(ctx)
	cancel()
	if err := st1.Close(); err != nil {
		t.Fatalf("Close err=%v", err)
	}

	clock.Advance(downtime)

	st2 := openStore(t, dir)
	t.Cleanup(func() { _ = st2.Close() })
	second := newHarness(t, st2, clock, cfg)
	if err := second.svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start err=%v", err)
	}
	return second, ids
}

func seedPastAndFuture(t *testing.T) func(h *harness) []string {
	return func(h *harness) []string {
		ctx := context.Background()
		now := h.clock.Now()
		past, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "call mom", ScheduledAt: now.Add(30 * time.Minute)})
		if err != nil {
			t.Fatalf("CreateTask past err=%v", err)
		}
		future, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "water plants", ScheduledAt: now.Add(3 * time.Hour)})
		if err != nil {
			t.Fatalf("CreateTask future err=%v", err)
		}
		return []string{past, future}
	}
}

func TestReconcileArmsFutureAndSkipsPast(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedSkip}, time.Hour, seedPastAndFuture(t))
	past, future := ids[0], ids[1]
	ctx := context.Background()

	if h.svc.isArmed(past) {
		t.Fatalf("elapsed task armed")
	}
	if !h.svc.isArmed(future) {
		t.Fatalf("future task not armed")
	}
	views, err := h.svc.ListTasks(ctx, task.ListFilter{Contact: "42"})
	if err != nil || len(views) != 2 {
		t.Fatalf("views=%+v err=%v", views, err)
	}
	if views[0].ID != past || views[0].Armed {
		t.Fatalf("past view=%+v", views[0])
	}
	if len(h.disp.noticeList()) != 0 {
		t.Fatalf("skip policy sent notices: %v", h.disp.noticeList())
	}
	stored, _ := h.store.GetTask(ctx, past)
	if stored.TriggerRef != "" {
		t.Fatalf("elapsed task kept trigger ref %q", stored.TriggerRef)
	}

	h.clock.Advance(2 * time.Hour)
	h.waitEvent(t, eventbus.TaskCompleted, future)
	if got := h.disp.firedIDs(); len(got) != 1 || got[0] != future {
		t.Fatalf("fired=%v", got)
	}
}

func TestReconcileNotifyPolicy(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedNotify}, time.Hour, seedPastAndFuture(t))

	notices := h.disp.noticeList()
	if len(notices) != 1 || !strings.HasPrefix(notices[0], "42|Missed while offline: call mom") {
		t.Fatalf("notices=%v", notices)
	}
	stored, err := h.store.GetTask(context.Background(), ids[0])
	if err != nil || stored.Executed {
		t.Fatalf("notice marked task executed: %+v err=%v", stored, err)
	}
	if len(h.disp.firedIDs()) != 0 {
		t.Fatalf("notify policy fired tasks")
	}
}

func TestMissedNoticeSentOnce(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedNotify}, time.Hour, seedPastAndFuture(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rep, err := h.svc.Reconcile(ctx)
		if err != nil {
			t.Fatalf("reconcile %d err=%v", i, err)
		}
		if rep.Missed != 1 || rep.Notified != 0 {
			t.Fatalf("reconcile %d rep=%+v", i, rep)
		}
	}
	if notices := h.disp.noticeList(); len(notices) != 1 {
		t.Fatalf("notices=%v", notices)
	}
	stored, err := h.store.GetTask(ctx, ids[0])
	if err != nil || stored.Executed || stored.TriggerRef != missedNotifiedRef {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
}

func TestReconcileFirePolicy(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedFire}, time.Hour, seedPastAndFuture(t))

	h.waitEvent(t, eventbus.TaskCompleted, ids[0])
	if got := h.disp.firedIDs(); len(got) != 1 || got[0] != ids[0] {
		t.Fatalf("fired=%v", got)
	}
	stored, err := h.store.GetTask(context.Background(), ids[0])
	if err != nil || !stored.Executed {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if !h.svc.isArmed(ids[1]) {
		t.Fatalf("future task not armed")
	}
}

func TestReconcilePublishesMissed(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedSkip}, time.Hour, seedPastAndFuture(t))

	// The missed event is published during Start, before the test can read
	// events, so look for it in what was buffered.
	e := h.waitEvent(t, eventbus.TaskMissed, ids[0])
	if ev := e.Data.(eventbus.TaskEvent); ev.Reason != string(MissedSkip) || ev.Contact != "42" {
		t.Fatalf("missed event=%+v", ev)
	}
	if rep, err := h.svc.Reconcile(context.Background()); err != nil || rep.Missed != 1 || rep.Armed != 1 {
		t.Fatalf("second reconcile rep=%+v err=%v", rep, err)
	}
}

func TestRecurringMissedStaysPaused(t *testing.T) {
	t.Parallel()
	h, ids := restart(t, Config{MissedPolicy: MissedNotify}, 3*time.Hour, func(h *harness) []string {
		id, err := h.svc.CreateTask(context.Background(), CreateRequest{
			Contact:     "42",
			Payload:     "stretch",
			ScheduledAt: h.clock.Now().Add(time.Hour),
			Recurrence:  &RecurrenceRule{Unit: task.UnitHour, Value: 2},
		})
		if err != nil {
			t.Fatalf("CreateTask err=%v", err)
		}
		return []string{id}
	})

	if h.svc.isArmed(ids[0]) {
		t.Fatalf("elapsed recurring task armed")
	}
	notices := h.disp.noticeList()
	if len(notices) != 1 || !strings.Contains(notices[0], "every 2 hours") {
		t.Fatalf("notices=%v", notices)
	}
}

func TestSweepPurgesOldExecuted(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{ExecutedRetention: 24 * time.Hour, MessageRetention: 24 * time.Hour})
	ctx := context.Background()

	id, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "x", ScheduledAt: h.clock.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}
	keep, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "y", ScheduledAt: h.clock.Now().Add(30 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}
	h.clock.Advance(time.Minute)
	h.waitEvent(t, eventbus.TaskCompleted, id)
	if err := h.store.AppendMessage(ctx, storage.Message{Contact: "42", Role: storage.RoleUser, Text: "hi", At: time.Now()}); err != nil {
		t.Fatalf("AppendMessage err=%v", err)
	}

	res, err := h.svc.Sweep(ctx)
	if err != nil || res.Tasks != 0 || res.Messages != 0 {
		t.Fatalf("early sweep res=%+v err=%v", res, err)
	}

	h.clock.Advance(48 * time.Hour)
	res, err = h.svc.Sweep(ctx)
	if err != nil || res.Tasks != 1 || res.Messages != 1 {
		t.Fatalf("sweep res=%+v err=%v", res, err)
	}
	if _, err := h.store.GetTask(ctx, id); !IsNotFound(err) {
		t.Fatalf("executed task survived sweep: err=%v", err)
	}
	if _, err := h.store.GetTask(ctx, keep); err != nil {
		t.Fatalf("pending task purged: err=%v", err)
	}
}
