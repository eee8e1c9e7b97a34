package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/capability"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/timeparse"
)

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeTasks struct {
	mu      sync.Mutex
	created []scheduler.CreateRequest
	deleted []string
	ready   atomic.Bool
}

func (f *fakeTasks) CreateTask(_ context.Context, req scheduler.CreateRequest) (string, error) {
	if !req.ScheduledAt.After(now) {
		return "", scheduler.ErrInPast
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return "task-1", nil
}

func (f *fakeTasks) ListTasks(_ context.Context, flt task.ListFilter) ([]scheduler.TaskView, error) {
	views := []scheduler.TaskView{
		{ID: "a", Contact: "42", Payload: "x", DisplayTime: now.Add(time.Hour), Armed: true},
		{ID: "b", Contact: "7", Payload: "y", DisplayTime: now.Add(2 * time.Hour), Armed: true},
	}
	var out []scheduler.TaskView
	for _, v := range views {
		if flt.Contact == "" || v.Contact == flt.Contact {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeTasks) DeleteTask(_ context.Context, id string) error {
	if id != "a" {
		return storage.ErrNotFound
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTasks) Resolve(_ context.Context, expr, _ string) (timeparse.Resolution, error) {
	if expr != "in 1 hour" {
		return timeparse.Resolution{}, timeparse.ErrNotResolved
	}
	return timeparse.Resolution{At: now.Add(time.Hour), Source: timeparse.SourceRule, Rule: "offset", Confidence: 1}, nil
}

func (f *fakeTasks) RecentFires(context.Context, int) ([]storage.FireRecord, error) {
	return []storage.FireRecord{{TaskID: "a", Contact: "42", FiredAt: now, Text: "x"}}, nil
}

func (f *fakeTasks) Snapshot() scheduler.Snapshot { return scheduler.Snapshot{Ready: f.ready.Load()} }

type fakeCaps struct{}

func (fakeCaps) Infos() []capability.Info {
	return []capability.Info{{Kind: "weather", Summary: "forecast", Args: []string{"city"}}}
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeTasks) {
	t.Helper()
	tasks := &fakeTasks{}
	tasks.ready.Store(true)
	h := NewHandler(Deps{Tasks: tasks, Capabilities: fakeCaps{}, Metrics: metrics.New()}, token, time.Second, false)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, tasks
}

func do(t *testing.T, method, url, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest err=%v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s err=%v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	srv, tasks := newTestServer(t, "")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"resolved time", `{"contact":"42","payload":"stretch","time":"in 1 hour"}`, http.StatusCreated},
		{"absolute time", `{"contact":"42","payload":"x","scheduled_at":"2026-10-18T12:00:00Z","recurrence":{"type":"days","value":1}}`, http.StatusCreated},
		{"unresolved time", `{"contact":"42","payload":"x","time":"someday"}`, http.StatusUnprocessableEntity},
		{"past", `{"contact":"42","payload":"x","scheduled_at":"2020-01-01T00:00:00Z"}`, http.StatusBadRequest},
		{"no time", `{"contact":"42","payload":"x"}`, http.StatusBadRequest},
		{"unknown field", `{"contact":"42","when":"now"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := do(t, http.MethodPost, srv.URL+"/api/tasks", tc.body, "")
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, resp.StatusCode, tc.want)
		}
	}

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	if len(tasks.created) != 2 {
		t.Fatalf("created=%d", len(tasks.created))
	}
	if got := tasks.created[0]; got.Contact != "42" || !got.ScheduledAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("first=%+v", got)
	}
	if rec := tasks.created[1].Recurrence; rec == nil || rec.Unit != task.UnitDay || rec.Value != 1 {
		t.Fatalf("recurrence=%+v", rec)
	}
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()
	srv, tasks := newTestServer(t, "")

	resp := do(t, http.MethodGet, srv.URL+"/api/tasks?contact=42", "", "")
	var views []scheduler.TaskView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if len(views) != 1 || views[0].ID != "a" {
		t.Fatalf("views=%+v", views)
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/api/tasks/a", "", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/tasks/zzz", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing delete status=%d", resp.StatusCode)
	}
	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	if len(tasks.deleted) != 1 {
		t.Fatalf("deleted=%v", tasks.deleted)
	}
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/api/resolve", `{"expression":"in 1 hour"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var out struct {
		Time   time.Time `json:"time"`
		Source string    `json:"source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if !out.Time.Equal(now.Add(time.Hour)) || out.Source != "rule" {
		t.Fatalf("out=%+v", out)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/resolve", `{"expression":"whenever"}`, "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unresolved status=%d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "s3cret")

	cases := []struct {
		path  string
		token string
		want  int
	}{
		{"/healthz", "", http.StatusOK},
		{"/api/capabilities", "", http.StatusUnauthorized},
		{"/api/capabilities", "wrong", http.StatusUnauthorized},
		{"/api/capabilities", "s3cret", http.StatusOK},
		{"/api/capabilities?token=s3cret", "", http.StatusOK},
		{"/api/fires", "s3cret", http.StatusOK},
		{"/metrics", "", http.StatusUnauthorized},
		{"/metrics", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		resp := do(t, http.MethodGet, srv.URL+tc.path, "", tc.token)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s token=%q: status=%d want %d", tc.path, tc.token, resp.StatusCode, tc.want)
		}
	}
}

func TestHealthReflectsReadiness(t *testing.T) {
	t.Parallel()
	srv, tasks := newTestServer(t, "")
	tasks.ready.Store(false)

	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	ft := &fakeTasks{}
	ft.ready.Store(true)
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Tasks: ft})
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		if svc.Supervisor() != nil {
			t.Errorf("supervisor still set after Stop")
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp := do(t, http.MethodGet, "http://"+svc.Addr()+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	if isLoopbackAddr("0.0.0.0:8080") || isLoopbackAddr(":8080") {
		t.Fatalf("wildcard treated as loopback")
	}
	if !isLoopbackAddr("127.0.0.1:8080") || !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:80") {
		t.Fatalf("loopback not recognised")
	}
}
