package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	kit "remindbot/internal/transport"
)

const (
	chatQueueSize   = 256
	chatMaxLen      = 3500
	chatValueMaxLen = 300
	chatSendTimeout = 10 * time.Second
)

// leadKeys are printed first and in this order; other keys follow sorted.
var leadKeys = []string{"task", "contact", "due", "err"}

var skipKeys = map[string]bool{
	"time": true, "level": true, "message": true, "comp": true, zerolog.CallerFieldName: true,
}

type chatAlert struct {
	contact string
	text    string
}

// repeat counts lines folded into an alert that was already sent.
type repeat struct {
	contact string
	head    string
	count   atomic.Int64
}

func (s *Service) startChat() {
	s.chatOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopChat = cancel
		s.chatWG.Add(1)
		go func() {
			defer s.chatWG.Done()
			s.deliverAlerts(ctx)
		}()
	})
}

func (s *Service) deliverAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.alerts:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			text := a.text
			if n := s.dropped.Swap(0); n > 0 {
				text += fmt.Sprintf("\n(%d earlier alerts dropped)", n)
			}
			sendCtx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sender.SendText(sendCtx, a.contact, text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (s *Service) enqueueAlert(a chatAlert) {
	select {
	case s.alerts <- a:
	default:
		s.dropped.Add(1)
	}
}

// flushRepeat runs when a repeat window closes.
func (s *Service) flushRepeat(_ string, r *repeat) {
	if n := r.count.Load(); n > 0 {
		s.enqueueAlert(chatAlert{contact: r.contact, text: fmt.Sprintf("%s\n(repeated %d more times)", r.head, n)})
	}
}

// chatWriter is the zerolog sink that turns WARN+ lines into alerts.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	contact, sender, lim, minLevel := s.contact, s.sender, s.limiter, s.minLevel
	s.mu.Unlock()
	if contact == "" || sender == nil || level < minLevel {
		return len(p), nil
	}

	head, body := formatAlert(level, p)
	if r, ok := s.repeats.Get(head); ok {
		r.count.Add(1)
		return len(p), nil
	}
	if !lim.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	r := &repeat{contact: contact, head: head}
	s.repeats.Add(head, r)
	s.enqueueAlert(chatAlert{contact: contact, text: truncate(head+body, chatMaxLen)})
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[WARN] comp: message" plus
// one "- key=value" line per field. head identifies repeats of the same
// alert regardless of its fields.
func formatAlert(level zerolog.Level, p []byte) (head, body string) {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return "[" + strings.ToUpper(level.String()) + "] " + truncate(strings.TrimSpace(string(p)), chatMaxLen), ""
	}

	msg, _ := m["message"].(string)
	head = "[" + strings.ToUpper(level.String()) + "] "
	if comp, _ := m["comp"].(string); comp != "" {
		head += comp + ": "
	}
	head += msg

	var b strings.Builder
	line := func(k string) {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack:\n" + truncate(v, 900))
			return
		}
		b.WriteString("\n- " + k + "=" + truncate(v, chatValueMaxLen))
	}
	for _, k := range leadKeys {
		if _, ok := m[k]; ok {
			line(k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !skipKeys[k] && !slices.Contains(leadKeys, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		line(k)
	}
	return head, b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
