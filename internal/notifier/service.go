package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrEmptyText = errors.New("notifier: empty text")

// Service wraps a transport.Sender. It implements transport.Sender itself, so
// callers do not know whether they talk to the channel or to the notifier.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	out     transport.Sender

	log     logx.Logger
	bus     eventbus.Bus
	history storage.MessageLog
	metrics *metrics.Metrics

	hmu  sync.Mutex
	sent []HistoryItem
}

// Deps are optional collaborators; nil fields are skipped.
type Deps struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	History storage.MessageLog
	Metrics *metrics.Metrics
}

func New(cfg Config, out transport.Sender, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		out:     out,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     d.Bus,
		history: d.History,
		metrics: d.Metrics,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
	s.mu.Unlock()
}

// Send is SendText without options.
func (s *Service) Send(ctx context.Context, contact, text string) error {
	return s.SendText(ctx, contact, text, nil)
}

func (s *Service) SendText(ctx context.Context, contact, text string, opt *transport.SendOptions) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return transport.ErrUnknownContact
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := out.SendText(callCtx, contact, text, opt)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrUnknownContact) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		s.log.Debug("send failed", logx.String("contact", contact), logx.Int("attempt", attempt), logx.Err(err))
		return err
	}, policy)

	s.record(ctx, contact, text, err)
	return err
}

func (s *Service) record(ctx context.Context, contact, text string, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Contact: contact, Text: text}
	ev := eventbus.MessageEvent{Contact: contact, Bytes: len(text)}
	if err != nil {
		item.Err = err.Error()
		ev.Err = item.Err
		s.log.Warn("send failed", logx.String("contact", contact), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.MessageFailed, ev)
	} else {
		eventbus.Emit(s.bus, eventbus.MessageSent, ev)
		if s.history != nil {
			// Chat history is best effort; a failed write never fails the send.
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if herr := s.history.AppendMessage(hctx, storage.Message{Contact: contact, Role: storage.RoleAssistant, Text: text, At: now}); herr != nil {
				s.log.Debug("history append failed", logx.Err(herr))
			}
			cancel()
		}
	}
	s.metrics.ObserveSend(err)

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.sent = append(s.sent, item)
	if len(s.sent) > size {
		s.sent = s.sent[len(s.sent)-size:]
	}
	s.hmu.Unlock()
}

// Snapshot returns recent outbound messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.sent...)
}
