package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/task"
	"remindbot/internal/task/timeparse"
)

// TimeResolver is the subset of the time resolver the reminder needs.
type TimeResolver interface {
	Resolve(ctx context.Context, expr string, now time.Time, hint string) (timeparse.Resolution, error)
}

// reminder schedules a plain-message task for the calling contact.
type reminder struct {
	creator  task.Creator
	resolver TimeResolver
	now      func() time.Time
}

func (r *reminder) Describe() Info {
	return Info{Kind: "reminder", Summary: "set a reminder", Args: []string{"time", "content"}, Required: []string{"time", "content"}}
}

func (r *reminder) Execute(ctx context.Context, params map[string]string, contact string) (string, error) {
	if msg := missing(r.Describe(), params); msg != "" {
		return msg, nil
	}
	content := strings.TrimSpace(params["content"])
	now := r.now()
	res, err := r.resolver.Resolve(ctx, params["time"], now, content)
	if errors.Is(err, timeparse.ErrNotResolved) {
		return fmt.Sprintf("Could not understand the time %q.", params["time"]), nil
	}
	if err != nil {
		return "", err
	}
	if !res.At.After(now) {
		return "That time has already passed.", nil
	}
	id, err := r.creator.CreateTask(ctx, task.CreateRequest{Contact: contact, Payload: content, ScheduledAt: res.At})
	if err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	return fmt.Sprintf("Reminder set for %s: %s (id %s)", res.At.Format("2006-01-02 15:04"), content, shortID(id)), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
