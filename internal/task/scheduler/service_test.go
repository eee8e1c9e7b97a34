package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/recurrence"
	"remindbot/internal/task/timeparse"
	logx "remindbot/pkg/logx"
)

// ---- fake clock ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	if d <= 0 {
		t.fired = true
		go f()
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves the clock and runs due callbacks in due order on the
// caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// ---- fake dispatcher ----

type fakeDispatcher struct {
	mu      sync.Mutex
	fired   []string
	notices []string
	kinds   map[string]bool

	// When gate is set, Fire reports on entered and blocks until gate closes.
	gate    chan struct{}
	entered chan string
}

func (d *fakeDispatcher) Fire(_ context.Context, t task.Task) dispatch.Outcome {
	if d.gate != nil {
		d.entered <- t.ID
		<-d.gate
	}
	d.mu.Lock()
	d.fired = append(d.fired, t.ID)
	d.mu.Unlock()
	return dispatch.Outcome{TaskID: t.ID, Contact: t.Contact, FiredAt: time.Now(), Text: t.Payload}
}

func (d *fakeDispatcher) Notify(_ context.Context, contact, text string) error {
	d.mu.Lock()
	d.notices = append(d.notices, contact+"|"+text)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) Supports(kind string) bool { return d.kinds[kind] }

func (d *fakeDispatcher) firedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.fired...)
}

func (d *fakeDispatcher) noticeList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.notices...)
}

// ---- harness ----

type harness struct {
	svc    *Service
	clock  *fakeClock
	disp   *fakeDispatcher
	store  storage.Store
	events <-chan eventbus.Event
}

func openStore(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open err=%v", err)
	}
	return st
}

func newHarness(t *testing.T, st storage.Store, clock *fakeClock, cfg Config) *harness {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)

	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), bus)
	eng.Start(context.Background())

	disp := &fakeDispatcher{kinds: map[string]bool{"weather": true}}
	svc := New(cfg, Deps{
		Store:      st,
		Messages:   st,
		Fires:      st,
		Dispatcher: disp,
		Engine:     eng,
		Resolver:   timeparse.New(timeparse.Options{Location: time.UTC}),
		Bus:        bus,
		Clock:      clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		eng.Stop(ctx)
		unsub()
	})
	return &harness{svc: svc, clock: clock, disp: disp, store: st, events: events}
}

func startHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = st.Close() })
	h := newHarness(t, st, newFakeClock(), cfg)
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start err=%v", err)
	}
	return h
}

// waitEvent returns the first event of typ whose payload names id.
func (h *harness) waitEvent(t *testing.T, typ, id string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type != typ {
				continue
			}
			switch d := e.Data.(type) {
			case eventbus.TaskEvent:
				if d.TaskID == id {
					return e
				}
			case eventbus.JobEvent:
				if d.Name == "task:"+id {
					return e
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s on %s", typ, id)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- tests ----

func TestOneShotFiresOnceAndIsMarkedExecuted(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	ctx := context.Background()

	id, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "drink water", ScheduledAt: h.clock.Now().Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}
	if !h.svc.isArmed(id) {
		t.Fatalf("task not armed after create")
	}

	h.clock.Advance(9 * time.Minute)
	if len(h.disp.firedIDs()) != 0 {
		t.Fatalf("fired early")
	}
	h.clock.Advance(time.Minute)
	h.waitEvent(t, eventbus.TaskCompleted, id)

	if got := h.disp.firedIDs(); len(got) != 1 || got[0] != id {
		t.Fatalf("fired=%v", got)
	}
	stored, err := h.store.GetTask(ctx, id)
	if err != nil || !stored.Executed || stored.TriggerRef != "" {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if h.svc.isArmed(id) {
		t.Fatalf("executed task still armed")
	}
	views, _ := h.svc.ListTasks(ctx, task.ListFilter{Contact: "42"})
	if len(views) != 0 {
		t.Fatalf("executed task still listed: %+v", views)
	}
}

func TestRecurringTaskReArmsFromNow(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	ctx := context.Background()

	start := h.clock.Now().Add(time.Hour)
	id, err := h.svc.CreateTask(ctx, CreateRequest{
		Contact:     "42",
		Payload:     "stand up",
		ScheduledAt: start,
		Recurrence:  &RecurrenceRule{Unit: task.UnitDay, Value: 1},
	})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}

	h.clock.Advance(time.Hour)
	e := h.waitEvent(t, eventbus.TaskCompleted, id)
	want := start.Add(24 * time.Hour)
	if ev := e.Data.(eventbus.TaskEvent); !ev.DueAt.Equal(want) || ev.Reason != "rescheduled" {
		t.Fatalf("completed event=%+v want due %v", ev, want)
	}

	stored, err := h.store.GetTask(ctx, id)
	if err != nil || stored.Executed || stored.Recurrence == nil || !stored.Recurrence.NextRunAt.Equal(want) {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	if !h.svc.isArmed(id) {
		t.Fatalf("recurring task not re-armed")
	}

	h.clock.Advance(24 * time.Hour)
	h.waitEvent(t, eventbus.TaskCompleted, id)
	if got := h.disp.firedIDs(); len(got) != 2 {
		t.Fatalf("fired=%v want 2", got)
	}
}

func TestDeletePreventsFire(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	ctx := context.Background()

	id, err := h.svc.CreateTask(ctx, CreateRequest{Contact: "42", Payload: "x", ScheduledAt: h.clock.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}
	if err := h.svc.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask err=%v", err)
	}
	if err := h.svc.DeleteTask(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}

	h.clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if got := h.disp.firedIDs(); len(got) != 0 {
		t.Fatalf("deleted task fired: %v", got)
	}
	if snap := h.svc.Snapshot(); snap.Armed != 0 {
		t.Fatalf("armed=%d", snap.Armed)
	}
}

func TestDeleteDuringDispatchStillSendsButDoesNotReArm(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	h.disp.gate = make(chan struct{})
	h.disp.entered = make(chan string, 1)
	ctx := context.Background()

	id, err := h.svc.CreateTask(ctx, CreateRequest{
		Contact:     "42",
		Payload:     "hourly",
		ScheduledAt: h.clock.Now().Add(time.Minute),
		Recurrence:  &RecurrenceRule{Unit: task.UnitHour, Value: 1},
	})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}

	h.clock.Advance(time.Minute)
	select {
	case <-h.disp.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("dispatch never started")
	}
	if err := h.svc.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask during dispatch err=%v", err)
	}
	close(h.disp.gate)
	h.waitEvent(t, eventbus.JobFinished, id)

	if got := h.disp.firedIDs(); len(got) != 1 {
		t.Fatalf("in-flight fire did not complete: %v", got)
	}
	if h.svc.isArmed(id) {
		t.Fatalf("deleted task re-armed")
	}
	if _, err := h.store.GetTask(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record resurrected: err=%v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	now := h.clock.Now()

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"past", CreateRequest{Contact: "1", Payload: "x", ScheduledAt: now.Add(-time.Minute)}, ErrInPast},
		{"now", CreateRequest{Contact: "1", Payload: "x", ScheduledAt: now}, ErrInPast},
		{"no contact", CreateRequest{Payload: "x", ScheduledAt: now.Add(time.Hour)}, ErrInvalidTask},
		{"no payload", CreateRequest{Contact: "1", ScheduledAt: now.Add(time.Hour)}, ErrInvalidTask},
		{"unknown capability", CreateRequest{Contact: "1", ScheduledAt: now.Add(time.Hour), Capability: &task.Capability{Kind: "horoscope"}}, ErrInvalidTask},
		{"zero value", CreateRequest{Contact: "1", Payload: "x", ScheduledAt: now.Add(time.Hour), Recurrence: &RecurrenceRule{Unit: task.UnitDay}}, recurrence.ErrInvalidRule},
		{"bad unit", CreateRequest{Contact: "1", Payload: "x", ScheduledAt: now.Add(time.Hour), Recurrence: &RecurrenceRule{Unit: "fortnight", Value: 1}}, recurrence.ErrInvalidRule},
		{"interval too long", CreateRequest{Contact: "1", Payload: "x", ScheduledAt: now.Add(time.Hour), Recurrence: &RecurrenceRule{Unit: task.UnitMonth, Value: 5000}}, recurrence.ErrInvalidRule},
	}
	for _, tc := range cases {
		if _, err := h.svc.CreateTask(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
	views, _ := h.svc.ListTasks(context.Background(), task.ListFilter{})
	if len(views) != 0 {
		t.Fatalf("rejected requests persisted: %+v", views)
	}
}

func TestCapabilityTaskDescribesItself(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{})
	ctx := context.Background()

	id, err := h.svc.CreateTask(ctx, CreateRequest{
		Contact:     "42",
		ScheduledAt: h.clock.Now().Add(time.Hour),
		Capability:  &task.Capability{Kind: "Weather", Params: map[string]string{"city": "Oslo"}},
	})
	if err != nil {
		t.Fatalf("CreateTask err=%v", err)
	}
	views, err := h.svc.ListTasks(ctx, task.ListFilter{Contact: "42"})
	if err != nil || len(views) != 1 {
		t.Fatalf("views=%+v err=%v", views, err)
	}
	v := views[0]
	if v.ID != id || v.Capability != "weather" || v.Payload != "weather(city=Oslo)" || !v.Armed {
		t.Fatalf("view=%+v", v)
	}

	found, err := h.svc.FindTask(ctx, "42", id[:8])
	if err != nil || found.ID != id {
		t.Fatalf("FindTask=%+v err=%v", found, err)
	}
	if _, err := h.svc.FindTask(ctx, "7", id[:8]); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("FindTask other contact err=%v", err)
	}
}

func TestCreateBeforeStartIsNotReady(t *testing.T) {
	t.Parallel()
	st := openStore(t, t.TempDir())
	defer st.Close()
	h := newHarness(t, st, newFakeClock(), Config{})

	_, err := h.svc.CreateTask(context.Background(), CreateRequest{Contact: "1", Payload: "x", ScheduledAt: h.clock.Now().Add(time.Hour)})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v want ErrNotReady", err)
	}
}

func TestResolveTimeUsesClock(t *testing.T) {
	t.Parallel()
	h := startHarness(t, Config{Timezone: "UTC"})

	at, err := h.svc.ResolveTime(context.Background(), "in 2 hours", "")
	if err != nil {
		t.Fatalf("ResolveTime err=%v", err)
	}
	if want := h.clock.Now().Add(2 * time.Hour); !at.Equal(want) {
		t.Fatalf("at=%v want %v", at, want)
	}
	if _, err := h.svc.ResolveTime(context.Background(), "whenever", ""); !errors.Is(err, timeparse.ErrNotResolved) {
		t.Fatalf("err=%v want ErrNotResolved", err)
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		kind  ScheduleKind
		every time.Duration
	}{
		{raw: "@daily", kind: ScheduleCron},
		{raw: "0 3 * * *", kind: ScheduleCron},
		{raw: "cron:0 0 3 * * *", kind: ScheduleCron},
		{raw: "6h", kind: ScheduleInterval, every: 6 * time.Hour},
		{raw: "every:90m", kind: ScheduleInterval, every: 90 * time.Minute},
		{raw: "00:30", kind: ScheduleInterval, every: 30 * time.Minute},
	}
	parser := New(Config{}, Deps{}).parser
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) err=%v", tt.raw, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q)=%+v", tt.raw, got)
		}
		if _, err := got.Schedule(parser); err != nil {
			t.Fatalf("Schedule(%q) err=%v", tt.raw, err)
		}
	}
	for _, bad := range []string{"", "soon", "-5m", "00:75"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", bad)
		}
	}
	ps, _ := ParseSchedule("61 * * * *")
	if _, err := ps.Schedule(parser); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if err := ValidateSchedule("every tuesday"); err == nil {
		t.Fatalf("ValidateSchedule accepted a bad cron expression")
	}
	if err := ValidateSchedule("@weekly"); err != nil {
		t.Fatalf("ValidateSchedule(@weekly) err=%v", err)
	}
}
