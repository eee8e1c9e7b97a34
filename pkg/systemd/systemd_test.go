package systemd

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func TestReadySendsState(t *testing.T) {
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatalf("MkdirTemp err=%v", err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	New(true, logx.Nop()).Ready("armed 3 tasks")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read err=%v", err)
	}
	if got := string(buf[:n]); !strings.HasPrefix(got, "READY=1\nSTATUS=armed 3 tasks") {
		t.Fatalf("state=%q", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "/nonexistent/socket")
	n := New(false, logx.Nop())
	if n.notify("READY=1") {
		t.Fatalf("disabled notifier sent")
	}
	var nilN *Notifier
	nilN.Stopping()
}
