package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

type armed struct {
	timer Timer
	ver   uint64
	due   time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	d   Deps
	log logx.Logger

	locks keyLock

	// Armed triggers. vers outlives timers so a callback from a replaced
	// timer never matches.
	tmu    sync.Mutex
	timers map[string]*armed
	vers   map[string]uint64

	ready   atomic.Bool
	stopped atomic.Bool

	parser      cron.Parser
	c           *cron.Cron
	retentionID cron.EntryID

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, d Deps) *Service {
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		d:      d,
		log:    log.With(logx.String("comp", "scheduler")),
		timers: map[string]*armed{},
		vers:   map[string]uint64{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cronParser,
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation(s.cfg.Timezone)
	return s
}

// Ready reports whether startup reconciliation has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the runtime config. A timezone or retention schedule change
// restarts the maintenance cron.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	restart := s.c != nil && (prev.Timezone != cfg.Timezone || prev.RetentionSchedule != cfg.RetentionSchedule)
	s.mu.Unlock()

	if restart {
		s.stopCron(context.Background())
		if err := s.startCron(); err != nil {
			s.log.Warn("retention schedule rejected", logx.String("schedule", cfg.RetentionSchedule), logx.Err(err))
		}
	}
}

// Start reconciles persisted tasks, then starts the maintenance cron. It
// returns the reconciliation error, if any; the scheduler is not ready
// until Start succeeds.
func (s *Service) Start(ctx context.Context) error {
	s.stopped.Store(false)
	cfg := s.config()
	s.log.Debug("start requested", logx.String("tz", s.Location().String()), logx.String("missed_policy", string(cfg.MissedPolicy)))

	rep, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	if err := s.startCron(); err != nil {
		return err
	}
	s.log.Info("service started",
		logx.String("tz", s.Location().String()),
		logx.Int("armed", rep.Armed),
		logx.Int("missed", rep.Missed),
	)
	return nil
}

// Stop disarms every trigger and stops the maintenance cron. Persisted
// records are untouched; the next Start reconciles them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.stopped.Store(true)
	s.ready.Store(false)
	s.stopCron(ctx)

	s.tmu.Lock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()
	s.d.Metrics.SetArmed(0)

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	snap := Snapshot{
		Ready:        s.Ready(),
		Timezone:     s.Location().String(),
		MissedPolicy: cfg.MissedPolicy,
	}
	s.tmu.Lock()
	snap.Armed = len(s.timers)
	for _, a := range s.timers {
		if snap.NextDue.IsZero() || a.due.Before(snap.NextDue) {
			snap.NextDue = a.due
		}
	}
	s.tmu.Unlock()

	s.mu.Lock()
	if s.c != nil && s.retentionID != 0 {
		snap.NextRetention = s.c.Entry(s.retentionID).Next
	}
	s.mu.Unlock()

	if s.d.Engine != nil {
		snap.Engine = s.d.Engine.Snapshot()
	}
	return snap
}
