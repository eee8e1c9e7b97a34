package storage

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"remindbot/internal/task"
	logx "remindbot/pkg/logx"
)

// Open initializes the configured store. The scheduler cannot run without
// one, so an empty driver is an error.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "none":
		return nil, errors.New("storage.driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newID() string { return uuid.NewString() }

// sortTasks applies the listing order shared by both drivers.
func sortTasks(ts []task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i].DueAt(), ts[j].DueAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ts[i].ID < ts[j].ID
	})
}
