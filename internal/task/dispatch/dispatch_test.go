package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/capability"
	"remindbot/internal/eventbus"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/transport"
)

var firedAt = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *captureSender) SendText(_ context.Context, contact, text string, _ *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, contact+"|"+text)
	return c.err
}

type memFires struct {
	mu   sync.Mutex
	recs []storage.FireRecord
}

func (m *memFires) AppendFire(_ context.Context, r storage.FireRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memFires) RecentFires(context.Context, int) ([]storage.FireRecord, error) { return nil, nil }
func (m *memFires) PurgeFires(context.Context, time.Time) (int, error)             { return 0, nil }

func newTestDispatcher(sender *captureSender, fires *memFires, bus eventbus.Bus) *Dispatcher {
	reg := capability.NewRegistry()
	_ = reg.Register("weather", capability.ExecutorFunc(func(_ context.Context, p map[string]string, _ string) (string, error) {
		return "Sunny in " + p["city"], nil
	}))
	_ = reg.Register("news", capability.ExecutorFunc(func(context.Context, map[string]string, string) (string, error) {
		return "", errors.New("feed unreachable")
	}))
	_ = reg.Register("crash", capability.ExecutorFunc(func(context.Context, map[string]string, string) (string, error) {
		panic("bad executor")
	}))
	deps := Deps{
		Sender:       sender,
		Capabilities: reg,
		Bus:          bus,
		Metrics:      metrics.New(),
		Now:          func() time.Time { return firedAt },
	}
	if fires != nil {
		deps.Fires = fires
	}
	return New(deps)
}

func TestFire(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		task     task.Task
		wantText string
		capErr   bool
	}{
		{
			name:     "plain message verbatim",
			task:     task.Task{ID: "m1", Contact: "42", Payload: "  stand up  "},
			wantText: "  stand up  ",
		},
		{
			name:     "capability result",
			task:     task.Task{ID: "c1", Contact: "42", Payload: "ignored", Capability: &task.Capability{Kind: "weather", Params: map[string]string{"city": "Oslo"}}},
			wantText: "Sunny in Oslo",
		},
		{
			name:     "capability error becomes text",
			task:     task.Task{ID: "c2", Contact: "42", Capability: &task.Capability{Kind: "news"}},
			wantText: "Sorry, news failed: feed unreachable",
			capErr:   true,
		},
		{
			name:     "unknown kind",
			task:     task.Task{ID: "c3", Contact: "42", Capability: &task.Capability{Kind: "horoscope"}},
			wantText: "unsupported task type: horoscope",
			capErr:   true,
		},
		{
			name:     "panicking executor",
			task:     task.Task{ID: "c4", Contact: "42", Capability: &task.Capability{Kind: "crash"}},
			wantText: "Sorry, crash failed: panic: bad executor",
			capErr:   true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sender := &captureSender{}
			fires := &memFires{}
			d := newTestDispatcher(sender, fires, nil)

			out := d.Fire(context.Background(), tc.task)
			if out.Text != tc.wantText {
				t.Fatalf("text=%q want %q", out.Text, tc.wantText)
			}
			if (out.CapabilityErr != nil) != tc.capErr {
				t.Fatalf("capErr=%v", out.CapabilityErr)
			}
			if out.SendErr != nil || !out.FiredAt.Equal(firedAt) {
				t.Fatalf("outcome=%+v", out)
			}
			if len(sender.sent) != 1 || sender.sent[0] != "42|"+tc.wantText {
				t.Fatalf("sent=%v", sender.sent)
			}
			if len(fires.recs) != 1 || fires.recs[0].TaskID != tc.task.ID || fires.recs[0].Text != tc.wantText {
				t.Fatalf("fire log=%+v", fires.recs)
			}
		})
	}
}

func TestUnknownKindWrapsSentinel(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&captureSender{}, nil, nil)
	out := d.Fire(context.Background(), task.Task{ID: "x", Contact: "1", Capability: &task.Capability{Kind: "nope"}})
	if !errors.Is(out.CapabilityErr, capability.ErrUnknownKind) {
		t.Fatalf("err=%v", out.CapabilityErr)
	}
	if d.Supports("nope") || !d.Supports("weather") {
		t.Fatalf("Supports mismatch")
	}
}

func TestSendFailureIsRecordedNotReturned(t *testing.T) {
	t.Parallel()

	sender := &captureSender{err: errors.New("chat not found")}
	fires := &memFires{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	d := newTestDispatcher(sender, fires, bus)
	out := d.Fire(context.Background(), task.Task{ID: "m", Contact: "9", Payload: "hello"})
	if out.SendErr == nil {
		t.Fatalf("expected send error in outcome")
	}
	if len(fires.recs) != 1 || fires.recs[0].SendErr != "chat not found" {
		t.Fatalf("fire log=%+v", fires.recs)
	}
	e := <-events
	fe, ok := e.Data.(eventbus.FiredEvent)
	if e.Type != eventbus.TaskFired || !ok || fe.SendErr != "chat not found" || fe.TaskID != "m" {
		t.Fatalf("event=%+v", e)
	}
}

func TestNotify(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	d := newTestDispatcher(sender, nil, nil)
	if err := d.Notify(context.Background(), "5", "missed"); err != nil {
		t.Fatalf("Notify err=%v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "5|missed" {
		t.Fatalf("sent=%v", sender.sent)
	}
}
