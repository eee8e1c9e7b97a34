package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const retentionJob = "maintenance.retention"

func (s *Service) startCron() error {
	cfg := s.config()
	if strings.TrimSpace(cfg.RetentionSchedule) == "" {
		return nil
	}
	ps, err := ParseSchedule(cfg.RetentionSchedule)
	if err != nil {
		return err
	}
	sched, err := ps.Schedule(s.parser)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.retentionID = s.c.Schedule(sched, cron.FuncJob(s.enqueueSweep))
	s.c.Start()
	s.log.Debug("retention sweep scheduled", logx.String("schedule", cfg.RetentionSchedule), logx.Time("next", s.c.Entry(s.retentionID).Next))
	return nil
}

func (s *Service) stopCron(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.retentionID = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Service) enqueueSweep() {
	if s.d.Engine == nil {
		return
	}
	err := s.d.Engine.Enqueue(engine.Job{
		Name:    retentionJob,
		Trigger: "cron",
		Key:     retentionJob,
		Overlap: engine.OverlapSkipIfRunning,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	})
	s.reportEnqueueError(retentionJob, err)
}

// Sweep purges executed tasks and fire records older than the executed
// retention, and chat messages older than the message retention.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	cfg := s.config()
	now := s.d.Clock.Now()
	var res SweepResult
	var errs []error

	n, err := s.d.Store.PurgeExecuted(ctx, now.Add(-cfg.ExecutedRetention))
	res.Tasks = n
	errs = append(errs, err)

	if s.d.Fires != nil {
		n, err := s.d.Fires.PurgeFires(ctx, now.Add(-cfg.ExecutedRetention))
		res.Fires = n
		errs = append(errs, err)
	}
	if s.d.Messages != nil {
		n, err := s.d.Messages.PurgeMessages(ctx, now.Add(-cfg.MessageRetention))
		res.Messages = n
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	if err != nil {
		s.log.Warn("retention sweep incomplete", logx.Err(err))
	}
	if res.Tasks+res.Fires+res.Messages > 0 {
		s.log.Info("retention sweep",
			logx.Int("tasks", res.Tasks),
			logx.Int("fires", res.Fires),
			logx.Int("messages", res.Messages),
		)
	}
	return res, err
}
