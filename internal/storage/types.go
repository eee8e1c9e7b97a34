package storage

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/task"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "file": snapshot + JSONL journal next to Path
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between snapshots
}

// TaskStore persists scheduled tasks. Every mutation is atomic: readers never
// observe a partially written record.
type TaskStore interface {
	// AddTask stores t and returns its id. An empty t.ID gets a fresh uuid.
	AddTask(ctx context.Context, t task.Task) (string, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	// MarkExecuted is a no-op for a task that is already executed, keeping
	// its first ExecutedAt.
	MarkExecuted(ctx context.Context, id string) error
	// ListTasks orders by due time (next run, else scheduled time), then id.
	ListTasks(ctx context.Context, f task.ListFilter) ([]task.Task, error)
	UpdateTrigger(ctx context.Context, id, ref string) error
	UpdateNextRun(ctx context.Context, id string, at time.Time) error
	PurgeExecuted(ctx context.Context, olderThan time.Time) (int, error)
}

// Message is one line of chat history.
type Message struct {
	ID      int64     `json:"id"`
	Contact string    `json:"contact"`
	Role    string    `json:"role"` // "user" or "assistant"
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type MessageLog interface {
	AppendMessage(ctx context.Context, m Message) error
	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, contact string, limit int) ([]Message, error)
	PurgeMessages(ctx context.Context, olderThan time.Time) (int, error)
}

// FireRecord is the audit trail of one firing.
type FireRecord struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	Contact       string    `json:"contact"`
	FiredAt       time.Time `json:"fired_at"`
	Text          string    `json:"text"`
	Capability    string    `json:"capability,omitempty"`
	CapabilityErr string    `json:"capability_err,omitempty"`
	SendErr       string    `json:"send_err,omitempty"`
}

type FireLog interface {
	AppendFire(ctx context.Context, r FireRecord) error
	// RecentFires returns up to limit records, newest first.
	RecentFires(ctx context.Context, limit int) ([]FireRecord, error)
	PurgeFires(ctx context.Context, olderThan time.Time) (int, error)
}

// Store is everything the app persists.
type Store interface {
	TaskStore
	MessageLog
	FireLog
	Close() error
}
