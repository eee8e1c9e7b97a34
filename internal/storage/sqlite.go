package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/task"
	logx "remindbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, contact, payload, scheduled_at, created_at, executed, executed_at,
	trigger_ref, rec_unit, rec_value, next_run_at, capability, params`

func (s *sqliteStore) AddTask(ctx context.Context, t task.Task) (string, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	var (
		unit      any
		value     any
		nextRun   any
		kind      any
		params    any
		execAt    any
		triggerRf any
	)
	if r := t.Recurrence; r != nil {
		unit, value = string(r.Unit), r.Value
		if !r.NextRunAt.IsZero() {
			nextRun = r.NextRunAt.UnixMilli()
		}
	}
	if c := t.Capability; c != nil {
		kind = c.Kind
		if len(c.Params) > 0 {
			b, err := json.Marshal(c.Params)
			if err != nil {
				return "", err
			}
			params = string(b)
		}
	}
	if !t.ExecutedAt.IsZero() {
		execAt = t.ExecutedAt.UnixMilli()
	}
	if t.TriggerRef != "" {
		triggerRf = t.TriggerRef
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Contact, t.Payload, t.ScheduledAt.UnixMilli(), t.CreatedAt.UnixMilli(), boolInt(t.Executed), execAt,
		triggerRf, unit, value, nextRun, kind, params,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                      task.Task
		scheduled, created     int64
		executed               int
		execAt, nextRun, value sql.NullInt64
		ref, unit, kind, prm   sql.NullString
	)
	if err := r.Scan(&t.ID, &t.Contact, &t.Payload, &scheduled, &created, &executed, &execAt,
		&ref, &unit, &value, &nextRun, &kind, &prm); err != nil {
		return task.Task{}, err
	}
	t.ScheduledAt = time.UnixMilli(scheduled)
	t.CreatedAt = time.UnixMilli(created)
	t.Executed = executed != 0
	if execAt.Valid {
		t.ExecutedAt = time.UnixMilli(execAt.Int64)
	}
	t.TriggerRef = ref.String
	if unit.Valid && unit.String != "" {
		t.Recurrence = &task.Recurrence{Unit: task.Unit(unit.String), Value: int(value.Int64)}
		if nextRun.Valid {
			t.Recurrence.NextRunAt = time.UnixMilli(nextRun.Int64)
		}
	}
	if kind.Valid && kind.String != "" {
		t.Capability = &task.Capability{Kind: kind.String}
		if prm.Valid && prm.String != "" {
			if err := json.Unmarshal([]byte(prm.String), &t.Capability.Params); err != nil {
				return task.Task{}, fmt.Errorf("task %s params: %w", t.ID, err)
			}
		}
	}
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM tasks WHERE id = ?`, id)
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string) error {
	n, err := s.execCount(ctx, `UPDATE tasks SET executed = 1, executed_at = ?, trigger_ref = NULL WHERE id = ? AND executed = 0`,
		time.Now().UnixMilli(), id)
	if err != nil || n > 0 {
		return err
	}
	// Already executed is not an error; only a missing row is.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) UpdateTrigger(ctx context.Context, id, ref string) error {
	var v any
	if ref != "" {
		v = ref
	}
	return s.execOne(ctx, `UPDATE tasks SET trigger_ref = ? WHERE id = ?`, v, id)
}

func (s *sqliteStore) UpdateNextRun(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ? AND rec_unit IS NOT NULL`, at.UnixMilli(), id)
}

func (s *sqliteStore) ListTasks(ctx context.Context, f task.ListFilter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Contact != "" {
		where = append(where, "contact = ?")
		args = append(args, f.Contact)
	}
	if !f.IncludeExecuted {
		where = append(where, "executed = 0")
	}
	if f.OnlyRecurring {
		where = append(where, "rec_unit IS NOT NULL")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY COALESCE(next_run_at, scheduled_at) ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeExecuted(ctx context.Context, olderThan time.Time) (int, error) {
	return s.execCount(ctx, `DELETE FROM tasks WHERE executed = 1 AND COALESCE(executed_at, scheduled_at) < ?`, olderThan.UnixMilli())
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m Message) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(contact, role, text, at) VALUES(?,?,?,?)`,
		m.Contact, m.Role, m.Text, m.At.UnixMilli())
	return err
}

func (s *sqliteStore) RecentMessages(ctx context.Context, contact string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contact, role, text, at FROM messages WHERE contact = ? ORDER BY at DESC, id DESC LIMIT ?`,
		contact, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m  Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.Contact, &m.Role, &m.Text, &at); err != nil {
			return nil, err
		}
		m.At = time.UnixMilli(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; callers want conversation order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) PurgeMessages(ctx context.Context, olderThan time.Time) (int, error) {
	return s.execCount(ctx, `DELETE FROM messages WHERE at < ?`, olderThan.UnixMilli())
}

func (s *sqliteStore) AppendFire(ctx context.Context, r FireRecord) error {
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fires(task_id, contact, fired_at, text, capability, capability_err, send_err) VALUES(?,?,?,?,?,?,?)`,
		r.TaskID, r.Contact, r.FiredAt.UnixMilli(), r.Text, nullStr(r.Capability), nullStr(r.CapabilityErr), nullStr(r.SendErr))
	return err
}

func (s *sqliteStore) RecentFires(ctx context.Context, limit int) ([]FireRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, contact, fired_at, text, capability, capability_err, send_err
		 FROM fires ORDER BY fired_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FireRecord
	for rows.Next() {
		var (
			r                      FireRecord
			at                     int64
			text, capb, cErr, sErr sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Contact, &at, &text, &capb, &cErr, &sErr); err != nil {
			return nil, err
		}
		r.FiredAt = time.UnixMilli(at)
		r.Text, r.Capability, r.CapabilityErr, r.SendErr = text.String, capb.String, cErr.String, sErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeFires(ctx context.Context, olderThan time.Time) (int, error) {
	return s.execCount(ctx, `DELETE FROM fires WHERE fired_at < ?`, olderThan.UnixMilli())
}

// execOne runs a single-row mutation and maps "no row" to ErrNotFound.
func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	n, err := s.execCount(ctx, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) execCount(ctx context.Context, q string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
