// Package timeparse turns natural-language time expressions into absolute
// instants. A fixed rule table handles the common English and Chinese forms;
// anything else goes to an optional language model fallback.
package timeparse

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	logx "remindbot/pkg/logx"
)

// ErrNotResolved means the expression could not be turned into a time.
// Callers treat it as "cannot schedule", not as a failure of the resolver.
var ErrNotResolved = errors.New("time expression not resolved")

type Source string

const (
	SourceRule     Source = "rule"
	SourceFallback Source = "fallback"
)

type Resolution struct {
	At         time.Time `json:"at"`
	Source     Source    `json:"source"`
	Rule       string    `json:"rule"`
	Confidence float64   `json:"confidence"`
}

type Options struct {
	// Location used for wall-clock expressions when now carries none.
	Location *time.Location
	// Fallback is consulted after every rule misses. Nil disables it.
	Fallback        Completer
	FallbackTimeout time.Duration
	MinConfidence   float64
	Logger          logx.Logger
}

type Resolver struct {
	opts  Options
	log   logx.Logger
	group singleflight.Group
}

func New(opts Options) *Resolver {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 20 * time.Second
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{opts: opts, log: log.With(logx.String("comp", "timeparse"))}
}

// Resolve interprets expr relative to now. hint is optional conversation
// context forwarded to the fallback only.
func (r *Resolver) Resolve(ctx context.Context, expr string, now time.Time, hint string) (Resolution, error) {
	if r.opts.Location != nil {
		now = now.In(r.opts.Location)
	}
	if res, ok := r.Deterministic(expr, now); ok {
		return res, nil
	}
	if strings.TrimSpace(expr) == "" || r.opts.Fallback == nil {
		return Resolution{}, ErrNotResolved
	}
	res, err := r.fallback(ctx, expr, now, hint)
	if err != nil {
		r.log.Debug("time fallback miss", logx.String("expr", expr), logx.Err(err))
		return Resolution{}, err
	}
	r.log.Debug("time fallback hit", logx.String("expr", expr), logx.Time("at", res.At), logx.Float64("confidence", res.Confidence))
	return res, nil
}

// Deterministic runs the rule table only.
func (r *Resolver) Deterministic(expr string, now time.Time) (Resolution, bool) {
	s := normalize(expr)
	if s == "" {
		return Resolution{}, false
	}
	for _, rl := range rules {
		t, ok := rl.build(s, now)
		if !ok {
			continue
		}
		// Results that passed less than a day ago mean the next occurrence,
		// unless the expression named the day with a word like today.
		if !rl.anchored && t.Before(now) && now.Sub(t) < 24*time.Hour {
			t = t.AddDate(0, 0, 1)
		}
		return Resolution{At: t, Source: SourceRule, Rule: rl.name, Confidence: 1}, true
	}
	return Resolution{}, false
}
