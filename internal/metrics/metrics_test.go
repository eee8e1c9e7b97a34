package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"remindbot/internal/eventbus"
)

func TestObserveFire(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveFire("message", nil, nil)
	m.ObserveFire("weather", errors.New("api down"), nil)
	m.ObserveFire("weather", nil, errors.New("blocked"))
	m.ObserveFire("weather", nil, nil)

	cases := []struct {
		kind, result string
		want         float64
	}{
		{"message", "ok", 1},
		{"weather", "capability_failed", 1},
		{"weather", "send_failed", 1},
		{"weather", "ok", 1},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(m.fires.WithLabelValues(tc.kind, tc.result)); got != tc.want {
			t.Fatalf("fires{%s,%s}=%v want %v", tc.kind, tc.result, got, tc.want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveFire("message", nil, nil)
	m.ObserveSend(nil)
	m.ObserveCapability("weather", time.Second)
	m.SetArmed(3)
	m.Consume(context.Background(), eventbus.New())
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
}

func TestConsumeCountsBusEvents(t *testing.T) {
	t.Parallel()

	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Consume(ctx, bus)
		close(done)
	}()

	// Consume subscribes asynchronously; publish until the first event lands.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.tasks.WithLabelValues(eventbus.TaskCreated)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task.created never counted")
		}
		eventbus.Emit(bus, eventbus.TaskCreated, eventbus.TaskEvent{TaskID: "x"})
		time.Sleep(5 * time.Millisecond)
	}
	eventbus.Emit(bus, eventbus.JobFailed, eventbus.JobEvent{Name: "task:x", Duration: time.Second})
	for testutil.ToFloat64(m.jobs.WithLabelValues(eventbus.JobFailed)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job.failed never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveSend(nil)
	m.SetArmed(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"remindbot_messages_sent_total", "remindbot_scheduler_armed_triggers 2"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
