package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func TestConsoleRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	a := New(strings.NewReader("hello\n\n/tasks\n"), &buf, logx.Nop())
	out := make(chan kit.Update, 4)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start err=%v", err)
	}
	defer a.Stop(context.Background())

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case up := <-out:
			if up.Message.Contact != Contact {
				t.Fatalf("contact=%q", up.Message.Contact)
			}
			got = append(got, up.Message.Text)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "hello" || got[1] != "/tasks" {
		t.Fatalf("got %v", got)
	}

	if err := a.SendText(context.Background(), Contact, "pong", nil); err != nil {
		t.Fatalf("SendText err=%v", err)
	}
	if !strings.Contains(buf.String(), "pong") {
		t.Fatalf("output=%q", buf.String())
	}
	if err := a.SendText(context.Background(), "42", "x", nil); !errors.Is(err, kit.ErrUnknownContact) {
		t.Fatalf("err=%v want ErrUnknownContact", err)
	}
}
