// Package task holds the scheduled-task domain model shared by the store,
// scheduler and dispatcher.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Unit is the cadence unit of a recurrence rule.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
)

// ParseUnit accepts singular, plural and a few short forms ("min", "h", "wk").
func ParseUnit(s string) (Unit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutes", "min", "mins", "m":
		return UnitMinute, true
	case "hour", "hours", "hr", "hrs", "h":
		return UnitHour, true
	case "day", "days", "d", "daily":
		return UnitDay, true
	case "week", "weeks", "wk", "w", "weekly":
		return UnitWeek, true
	case "month", "months", "mo", "monthly":
		return UnitMonth, true
	default:
		return "", false
	}
}

// Recurrence is present iff a task repeats.
// NextRunAt is the due time of the next (not yet fired) trigger.
type Recurrence struct {
	Unit      Unit      `json:"type"`
	Value     int       `json:"value"`
	NextRunAt time.Time `json:"next_run_time"`
}

// Capability names an executor and its parameters.
type Capability struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Task is the persisted scheduled-task record.
type Task struct {
	ID          string      `json:"id"`
	Contact     string      `json:"contact"`
	Payload     string      `json:"payload"`
	ScheduledAt time.Time   `json:"scheduled_time"`
	CreatedAt   time.Time   `json:"created_at"`
	Executed    bool        `json:"executed"`
	ExecutedAt  time.Time   `json:"executed_at,omitempty"`
	TriggerRef  string      `json:"trigger_ref,omitempty"`
	Recurrence  *Recurrence `json:"recurrence,omitempty"`
	Capability  *Capability `json:"capability,omitempty"`
}

func (t Task) Recurring() bool { return t.Recurrence != nil }

// DueAt is the next time the task should fire: the recurrence next-run time
// for recurring tasks, the scheduled time otherwise.
func (t Task) DueAt() time.Time {
	if t.Recurrence != nil && !t.Recurrence.NextRunAt.IsZero() {
		return t.Recurrence.NextRunAt
	}
	return t.ScheduledAt
}

// Action derives the tagged action variant from the record.
func (t Task) Action() Action {
	if t.Capability != nil && strings.TrimSpace(t.Capability.Kind) != "" {
		return CapabilityInvocation(t.Capability.Kind, t.Capability.Params)
	}
	return PlainMessage(t.Payload)
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (t Task) Clone() Task {
	cp := t
	if t.Recurrence != nil {
		r := *t.Recurrence
		cp.Recurrence = &r
	}
	if t.Capability != nil {
		c := Capability{Kind: t.Capability.Kind}
		if t.Capability.Params != nil {
			c.Params = make(map[string]string, len(t.Capability.Params))
			for k, v := range t.Capability.Params {
				c.Params[k] = v
			}
		}
		cp.Capability = &c
	}
	return cp
}

type ActionKind int

const (
	ActionMessage ActionKind = iota
	ActionCapability
)

func (k ActionKind) String() string {
	switch k {
	case ActionCapability:
		return "capability"
	default:
		return "message"
	}
}

// Action is what a task does when it fires: send Text verbatim, or run
// Capability with Params.
type Action struct {
	Kind       ActionKind
	Text       string
	Capability string
	Params     map[string]string
}

func PlainMessage(text string) Action {
	return Action{Kind: ActionMessage, Text: text}
}

func CapabilityInvocation(kind string, params map[string]string) Action {
	return Action{Kind: ActionCapability, Capability: kind, Params: params}
}

func (a Action) String() string {
	if a.Kind == ActionCapability {
		return fmt.Sprintf("capability(%s)", a.Capability)
	}
	return "message"
}

// ListFilter selects tasks for listing. Contact "" matches every contact.
type ListFilter struct {
	Contact         string
	IncludeExecuted bool
	OnlyRecurring   bool
}

// Match reports whether t passes the filter.
func (f ListFilter) Match(t Task) bool {
	if f.Contact != "" && t.Contact != f.Contact {
		return false
	}
	if !f.IncludeExecuted && t.Executed {
		return false
	}
	if f.OnlyRecurring && t.Recurrence == nil {
		return false
	}
	return true
}

// RecurrenceRule is the cadence requested at creation.
type RecurrenceRule struct {
	Unit  Unit `json:"type"`
	Value int  `json:"value"`
}

// CreateRequest asks for a new task. Capability, when set, replaces Payload
// as the action.
type CreateRequest struct {
	Contact     string
	Payload     string
	ScheduledAt time.Time
	Recurrence  *RecurrenceRule
	Capability  *Capability
}

// Creator creates tasks. The scheduler implements it; the reminder
// capability and the chat router receive it at construction.
type Creator interface {
	CreateTask(ctx context.Context, req CreateRequest) (string, error)
}
