// Package console is a line-oriented chat channel over stdin/stdout for local
// runs without a bot token.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const Contact = "console"

type Adapter struct {
	in  io.Reader
	log logx.Logger

	mu  sync.Mutex
	w   io.Writer
	seq atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func New(in io.Reader, out io.Writer, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{in: in, w: out, log: log}
}

func (a *Adapter) Name() string { return "console" }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			msg := &kit.Message{
				ID:         strconv.FormatInt(a.seq.Add(1), 10),
				Contact:    Contact,
				FromID:     Contact,
				FromName:   Contact,
				Text:       text,
				ReceivedAt: time.Now(),
			}
			select {
			case out <- kit.Update{Kind: kit.UpdateMessage, Message: msg}:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			a.log.Warn("console input closed", logx.Err(err))
		}
	}()
	return nil
}

// Stop does not wait for the reader: a blocked stdin read cannot be interrupted.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, contact, text string, opt *kit.SendOptions) error {
	if contact != Contact {
		return fmt.Errorf("%w: %q", kit.ErrUnknownContact, contact)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := fmt.Fprintf(a.w, "[%s] %s\n", time.Now().Format("15:04:05"), text)
	return err
}
