package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/metrics"
	"remindbot/internal/storage"
	"remindbot/internal/task"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/timeparse"
	logx "remindbot/pkg/logx"
)

var (
	ErrNotReady    = errors.New("scheduler not ready")
	ErrInPast      = errors.New("scheduled time is not in the future")
	ErrInvalidTask = errors.New("invalid task")
)

// MissedPolicy decides what reconciliation does with a task whose due time
// elapsed while the process was down.
type MissedPolicy string

const (
	// MissedSkip logs and leaves the task unarmed.
	MissedSkip MissedPolicy = "skip"
	// MissedNotify is MissedSkip plus a notice to the contact.
	MissedNotify MissedPolicy = "notify"
	// MissedFire dispatches the task immediately.
	MissedFire MissedPolicy = "fire"
)

func ParseMissedPolicy(s string) (MissedPolicy, error) {
	switch p := MissedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MissedNotify, nil
	case MissedSkip, MissedNotify, MissedFire:
		return p, nil
	default:
		return "", fmt.Errorf("invalid missed policy %q (want skip, notify or fire)", s)
	}
}

type Config struct {
	Timezone     string // IANA TZ, e.g. "Asia/Shanghai"; empty means Local
	MissedPolicy MissedPolicy

	// RetentionSchedule drives the retention sweep: a cron expression,
	// descriptor ("@daily") or interval ("6h", "00:30"). Empty disables it.
	RetentionSchedule string
	ExecutedRetention time.Duration
	MessageRetention  time.Duration

	// CapabilityConcurrency bounds concurrent fires per capability kind.
	CapabilityConcurrency int
	FireTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MissedPolicy == "" {
		c.MissedPolicy = MissedNotify
	}
	if c.ExecutedRetention <= 0 {
		c.ExecutedRetention = 30 * 24 * time.Hour
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = 30 * 24 * time.Hour
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 2 * time.Minute
	}
	return c
}

// Dispatcher performs fired tasks. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Fire(ctx context.Context, t task.Task) dispatch.Outcome
	Notify(ctx context.Context, contact, text string) error
	Supports(kind string) bool
}

type Resolver interface {
	Resolve(ctx context.Context, expr string, now time.Time, hint string) (timeparse.Resolution, error)
}

// Clock abstracts time so tests can drive triggers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// Deps are the scheduler's collaborators. Messages and Fires are optional and
// only used by the retention sweep.
type Deps struct {
	Store      storage.TaskStore
	Messages   storage.MessageLog
	Fires      storage.FireLog
	Dispatcher Dispatcher
	Engine     *engine.Service
	Resolver   Resolver
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Log        logx.Logger
	Clock      Clock
}

// TaskCreator is what the reminder capability and the chat router depend on.
type TaskCreator = task.Creator

type CreateRequest = task.CreateRequest

type RecurrenceRule = task.RecurrenceRule

// TaskView is a task as presented to users.
type TaskView struct {
	ID          string            `json:"id"`
	Contact     string            `json:"contact"`
	Payload     string            `json:"payload"`
	Capability  string            `json:"capability,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	DisplayTime time.Time         `json:"display_time"`
	Recurring   bool              `json:"recurring"`
	Unit        task.Unit         `json:"unit,omitempty"`
	Value       int               `json:"value,omitempty"`
	Executed    bool              `json:"executed"`
	Armed       bool              `json:"armed"`
	CreatedAt   time.Time         `json:"created_at"`
}

type Snapshot struct {
	Ready         bool            `json:"ready"`
	Timezone      string          `json:"timezone"`
	MissedPolicy  MissedPolicy    `json:"missed_policy"`
	Armed         int             `json:"armed"`
	NextDue       time.Time       `json:"next_due,omitempty"`
	NextRetention time.Time       `json:"next_retention,omitempty"`
	Engine        engine.Snapshot `json:"engine"`
}

// SweepResult counts rows removed by one retention sweep.
type SweepResult struct {
	Tasks    int `json:"tasks"`
	Fires    int `json:"fires"`
	Messages int `json:"messages"`
}
