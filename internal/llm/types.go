// Package llm provides text completion backends used by the time resolver
// fallback, the capability executors and chat replies.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled    = errors.New("llm disabled")
	ErrEmptyAnswer = errors.New("llm returned empty answer")
)

// Completer turns a system prompt and a user prompt into text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Config selects and tunes a provider.
//
// Provider values:
//   - "openai": any OpenAI-compatible chat completions endpoint (BaseURL optional)
//   - "anthropic": Anthropic messages API
//   - "" or "none": completions disabled
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration

	RetryMax int

	// Breaker trips after BreakerTripFailures consecutive failures and stays
	// open for BreakerOpenTimeout. BreakerTripFailures < 0 disables it.
	BreakerTripFailures int
	BreakerOpenTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.BreakerTripFailures == 0 {
		c.BreakerTripFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

type disabled struct{}

func (disabled) Complete(context.Context, string, string) (string, error) { return "", ErrDisabled }

// Disabled returns a Completer that always fails with ErrDisabled.
func Disabled() Completer { return disabled{} }

// isRetryable reports transient provider failures (rate limits and 5xx).
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, needle := range []string{
		"rate limit", "too many requests", "429", "overloaded",
		"500", "502", "503", "504", "bad gateway", "service unavailable",
		"gateway timeout", "temporarily unavailable", "connection reset",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// isFatal reports billing and auth failures that no retry will fix.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, needle := range []string{"billing", "payment", "insufficient", "quota exceeded", "401", "invalid api key"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
