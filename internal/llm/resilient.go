package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	logx "remindbot/pkg/logx"
)

// New builds the configured provider wrapped with retries and a circuit
// breaker. Provider "" or "none" yields Disabled().
func New(cfg Config, log logx.Logger) (Completer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		base Completer
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return Disabled(), nil
	case "openai", "deepseek", "openai-compatible":
		base, err = NewOpenAI(cfg)
	case "anthropic", "claude":
		base, err = NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown llm.provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewResilient(base, cfg, log), nil
}

// Resilient retries transient failures with exponential backoff and stops
// calling a failing provider while its breaker is open.
type Resilient struct {
	next     Completer
	cfg      Config
	log      logx.Logger
	breaker  *gobreaker.CircuitBreaker
	initWait time.Duration
}

func NewResilient(next Completer, cfg Config, log logx.Logger) *Resilient {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resilient{next: next, cfg: cfg, log: log, initWait: 500 * time.Millisecond}
	if cfg.BreakerTripFailures > 0 {
		trip := uint32(cfg.BreakerTripFailures)
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm." + strings.ToLower(strings.TrimSpace(cfg.Provider)),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("llm breaker state change", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
			},
			// Caller cancellation says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}
	return r
}

func (r *Resilient) Complete(ctx context.Context, system, user string) (string, error) {
	if r.breaker == nil {
		return r.withRetry(ctx, system, user)
	}
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.withRetry(ctx, system, user)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("llm unavailable: %w", err)
		}
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (r *Resilient) withRetry(ctx context.Context, system, user string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initWait
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	var bo backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.RetryMax)), ctx)

	var out string
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		s, err := r.next.Complete(ctx, system, user)
		if err == nil {
			out = s
			return nil
		}
		if isFatal(err) || !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		r.log.Debug("llm retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", wait), logx.Err(err))
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
