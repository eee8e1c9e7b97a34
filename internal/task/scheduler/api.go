package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/recurrence"
	"remindbot/internal/task/timeparse"
	logx "remindbot/pkg/logx"
)

var _ TaskCreator = (*Service)(nil)

// CreateTask validates req, persists the task and arms its trigger.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	if !s.Ready() {
		return "", ErrNotReady
	}
	t, err := s.buildTask(req)
	if err != nil {
		return "", err
	}

	id, err := s.d.Store.AddTask(ctx, t)
	if err != nil {
		return "", fmt.Errorf("store task: %w", err)
	}
	t.ID = id

	unlock := s.locks.Lock(id)
	s.arm(ctx, t)
	unlock()

	eventbus.Emit(s.d.Bus, eventbus.TaskCreated, eventbus.TaskEvent{TaskID: id, Contact: t.Contact, DueAt: t.DueAt()})
	s.log.Info("task created",
		logx.String("task", id),
		logx.String("contact", t.Contact),
		logx.String("action", t.Action().String()),
		logx.Time("due", t.DueAt()),
		logx.Bool("recurring", t.Recurring()),
	)
	return id, nil
}

func (s *Service) buildTask(req CreateRequest) (task.Task, error) {
	contact := strings.TrimSpace(req.Contact)
	if contact == "" {
		return task.Task{}, fmt.Errorf("%w: contact required", ErrInvalidTask)
	}

	var capSpec *task.Capability
	if req.Capability != nil {
		kind := strings.ToLower(strings.TrimSpace(req.Capability.Kind))
		if kind == "" {
			return task.Task{}, fmt.Errorf("%w: capability kind required", ErrInvalidTask)
		}
		if s.d.Dispatcher == nil || !s.d.Dispatcher.Supports(kind) {
			return task.Task{}, fmt.Errorf("%w: unsupported capability %q", ErrInvalidTask, kind)
		}
		capSpec = &task.Capability{Kind: kind, Params: copyParams(req.Capability.Params)}
	} else if strings.TrimSpace(req.Payload) == "" {
		return task.Task{}, fmt.Errorf("%w: payload required", ErrInvalidTask)
	}

	now := s.d.Clock.Now()
	if req.ScheduledAt.IsZero() || !req.ScheduledAt.After(now) {
		return task.Task{}, ErrInPast
	}

	t := task.Task{
		Contact:     contact,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		Capability:  capSpec,
	}
	if req.Recurrence != nil {
		if err := recurrence.Validate(req.Recurrence.Unit, req.Recurrence.Value); err != nil {
			return task.Task{}, err
		}
		t.Recurrence = &task.Recurrence{
			Unit:      req.Recurrence.Unit,
			Value:     req.Recurrence.Value,
			NextRunAt: req.ScheduledAt,
		}
	}
	if capSpec != nil && strings.TrimSpace(t.Payload) == "" {
		t.Payload = describeCapability(*capSpec)
	}
	return t, nil
}

// describeCapability renders "weather(city=Oslo)" for listings.
func describeCapability(c task.Capability) string {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.Params[k])
	}
	return c.Kind + "(" + strings.Join(parts, ", ") + ")"
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ListTasks returns tasks ordered by due time. DisplayTime is in the
// scheduler's timezone.
func (s *Service) ListTasks(ctx context.Context, f task.ListFilter) ([]TaskView, error) {
	tasks, err := s.d.Store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	loc := s.Location()
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			ID:          t.ID,
			Contact:     t.Contact,
			Payload:     t.Payload,
			DisplayTime: t.DueAt().In(loc),
			Recurring:   t.Recurring(),
			Executed:    t.Executed,
			Armed:       s.isArmed(t.ID),
			CreatedAt:   t.CreatedAt,
		}
		if t.Capability != nil {
			v.Capability = t.Capability.Kind
			v.Params = t.Capability.Params
		}
		if t.Recurrence != nil {
			v.Unit = t.Recurrence.Unit
			v.Value = t.Recurrence.Value
		}
		out = append(out, v)
	}
	return out, nil
}

// DeleteTask disarms id and removes its record. A fire already dispatching
// still sends, but does not re-arm.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ErrNotFound
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	s.disarm(id)
	if err := s.d.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	eventbus.Emit(s.d.Bus, eventbus.TaskDeleted, eventbus.TaskEvent{TaskID: id})
	s.log.Info("task deleted", logx.String("task", id))
	return nil
}

// FindTask resolves an id or a unique id prefix within contact's tasks.
func (s *Service) FindTask(ctx context.Context, contact, idOrPrefix string) (task.Task, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return task.Task{}, storage.ErrNotFound
	}
	tasks, err := s.d.Store.ListTasks(ctx, task.ListFilter{Contact: contact})
	if err != nil {
		return task.Task{}, err
	}
	var match []task.Task
	for _, t := range tasks {
		if t.ID == idOrPrefix {
			return t, nil
		}
		if strings.HasPrefix(t.ID, idOrPrefix) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return task.Task{}, storage.ErrNotFound
	case 1:
		return match[0], nil
	default:
		return task.Task{}, fmt.Errorf("%w: prefix %q matches %d tasks", ErrInvalidTask, idOrPrefix, len(match))
	}
}

// Resolve interprets a natural-language time expression relative to now in
// the scheduler's timezone.
func (s *Service) Resolve(ctx context.Context, expr, hint string) (timeparse.Resolution, error) {
	if s.d.Resolver == nil {
		return timeparse.Resolution{}, timeparse.ErrNotResolved
	}
	return s.d.Resolver.Resolve(ctx, expr, s.d.Clock.Now().In(s.Location()), hint)
}

func (s *Service) ResolveTime(ctx context.Context, expr, hint string) (time.Time, error) {
	res, err := s.Resolve(ctx, expr, hint)
	if err != nil {
		return time.Time{}, err
	}
	return res.At, nil
}

// RecentFires returns the newest fire records.
func (s *Service) RecentFires(ctx context.Context, limit int) ([]storage.FireRecord, error) {
	if s.d.Fires == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.d.Fires.RecentFires(ctx, limit)
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
