package logx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	kit "remindbot/internal/transport"
)

func chatCapture(buf int) (kit.Sender, chan string) {
	got := make(chan string, buf)
	return kit.SenderFunc(func(ctx context.Context, contact, text string, opt *kit.SendOptions) error {
		got <- contact + "|" + text
		return nil
	}), got
}

func expectAlert(t *testing.T, got chan string) string {
	t.Helper()
	select {
	case s := <-got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no alert forwarded")
		return ""
	}
}

func expectQuiet(t *testing.T, got chan string, d time.Duration) {
	t.Helper()
	select {
	case s := <-got:
		t.Fatalf("unexpected alert %q", s)
	case <-time.After(d):
	}
}

func TestChatSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	sender, got := chatCapture(4)
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatSinkConfig{Enabled: true, Contact: "ops", MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.With(String("comp", "scheduler")).Warn("task missed while offline",
		String("zone", "UTC"), String("task", "t1"), Err(errors.New("boom")))

	s := expectAlert(t, got)
	want := "ops|[WARN] scheduler: task missed while offline\n- task=t1\n- err=boom\n- zone=UTC"
	if s != want {
		t.Fatalf("forwarded %q\nwant %q", s, want)
	}
	expectQuiet(t, got, 50*time.Millisecond)
}

func TestChatSinkFoldsRepeats(t *testing.T) {
	t.Parallel()
	sender, got := chatCapture(8)
	svc, log := New(Config{
		Chat: ChatSinkConfig{Enabled: true, Contact: "ops", RatePerSec: 10, RepeatWindow: 100 * time.Millisecond},
	}, sender)
	defer svc.Close()

	for i := 0; i < 4; i++ {
		log.Error("store write failed", Int("attempt", i))
	}
	if s := expectAlert(t, got); !strings.HasPrefix(s, "ops|[ERROR] store write failed\n- attempt=0") {
		t.Fatalf("first alert %q", s)
	}
	if s := expectAlert(t, got); s != "ops|[ERROR] store write failed\n(repeated 3 more times)" {
		t.Fatalf("summary %q", s)
	}
}

func TestFormatAlertPlainText(t *testing.T) {
	t.Parallel()
	head, body := formatAlert(LevelWarn, []byte("  not json \n"))
	if head != "[WARN] not json" || body != "" {
		t.Fatalf("head=%q body=%q", head, body)
	}
	if got := truncate(strings.Repeat("x", 20), 12); got != "xxxxxxxxx..." {
		t.Fatalf("truncate=%q", got)
	}
}

func TestLoggerZeroValueIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	l.With(String("a", "b")).Error("still nothing", Err(nil))
	if Nop().IsZero() {
		t.Fatalf("Nop() should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
