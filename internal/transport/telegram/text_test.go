package telegram

import (
	"errors"
	"strings"
	"testing"

	kit "remindbot/internal/transport"
)

func TestParseContact(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		chat    int64
		thread  int
		wantErr bool
	}{
		{in: "12345", chat: 12345},
		{in: "-100987:42", chat: -100987, thread: 42},
		{in: " 7 ", chat: 7},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "0", wantErr: true},
		{in: "5:x", wantErr: true},
	}
	for _, tc := range cases {
		chat, thread, err := ParseContact(tc.in)
		if tc.wantErr {
			if !errors.Is(err, kit.ErrUnknownContact) {
				t.Fatalf("ParseContact(%q) err=%v want ErrUnknownContact", tc.in, err)
			}
			continue
		}
		if err != nil || chat != tc.chat || thread != tc.thread {
			t.Fatalf("ParseContact(%q)=(%d,%d,%v)", tc.in, chat, thread, err)
		}
		if got := FormatContact(chat, thread); got != strings.TrimSpace(tc.in) {
			t.Fatalf("FormatContact round trip=%q want %q", got, tc.in)
		}
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 30)
	s := strings.Repeat(line+"\n", 10)
	chunks := splitText(s, 100, "")
	if len(chunks) < 4 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != strings.TrimRight(s, "\n") {
		t.Fatalf("rejoined text differs")
	}
}

func TestSplitTextShort(t *testing.T) {
	t.Parallel()

	if got := splitText("hi", 100, ""); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("got %v", got)
	}
}
