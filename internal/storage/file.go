package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/task"
	logx "remindbot/pkg/logx"
)

// fileStore keeps everything in memory and makes it durable with two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// Every mutation is one journal line written under the lock before the
// in-memory state changes, so a reader never sees a half-applied update.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	state        fileState
	writes       int
	compactEvery int
}

type fileState struct {
	Tasks      map[string]task.Task `json:"tasks"`
	Messages   []Message            `json:"messages"`
	Fires      []FireRecord         `json:"fires"`
	NextMsgID  int64                `json:"next_msg_id"`
	NextFireID int64                `json:"next_fire_id"`
}

const (
	opPutTask   = "put_task"
	opDelTask   = "del_task"
	opMessage   = "message"
	opFire      = "fire"
	opPurgeExec = "purge_executed"
	opPurgeMsg  = "purge_messages"
	opPurgeFire = "purge_fires"
)

type journalRecord struct {
	Op      string      `json:"op"`
	ID      string      `json:"id,omitempty"`
	Task    *task.Task  `json:"task,omitempty"`
	Message *Message    `json:"message,omitempty"`
	Fire    *FireRecord `json:"fire,omitempty"`
	Before  time.Time   `json:"before,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	log.Debug("file store loaded", logx.Int("tasks", len(st.Tasks)), logx.Int("journal_records", replayed))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
		compactEvery: every,
	}, nil
}

func newFileState() fileState {
	return fileState{Tasks: map[string]task.Task{}}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// commit journals rec and applies it. Callers hold s.mu.
func (s *fileStore) commit(rec journalRecord) (int, error) {
	if s.journal == nil {
		return 0, ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return 0, err
	}
	n := s.state.apply(rec)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return n, nil
}

// apply mutates the state and returns how many items it touched.
func (st *fileState) apply(rec journalRecord) int {
	switch rec.Op {
	case opPutTask:
		if rec.Task != nil {
			st.Tasks[rec.Task.ID] = rec.Task.Clone()
			return 1
		}
	case opDelTask:
		if _, ok := st.Tasks[rec.ID]; ok {
			delete(st.Tasks, rec.ID)
			return 1
		}
	case opMessage:
		if rec.Message != nil {
			st.Messages = append(st.Messages, *rec.Message)
			if rec.Message.ID > st.NextMsgID {
				st.NextMsgID = rec.Message.ID
			}
			return 1
		}
	case opFire:
		if rec.Fire != nil {
			st.Fires = append(st.Fires, *rec.Fire)
			if rec.Fire.ID > st.NextFireID {
				st.NextFireID = rec.Fire.ID
			}
			return 1
		}
	case opPurgeExec:
		n := 0
		for id, t := range st.Tasks {
			if t.Executed && executedAt(t).Before(rec.Before) {
				delete(st.Tasks, id)
				n++
			}
		}
		return n
	case opPurgeMsg:
		kept := st.Messages[:0]
		for _, m := range st.Messages {
			if !m.At.Before(rec.Before) {
				kept = append(kept, m)
			}
		}
		n := len(st.Messages) - len(kept)
		st.Messages = kept
		return n
	case opPurgeFire:
		kept := st.Fires[:0]
		for _, f := range st.Fires {
			if !f.FiredAt.Before(rec.Before) {
				kept = append(kept, f)
			}
		}
		n := len(st.Fires) - len(kept)
		st.Fires = kept
		return n
	}
	return 0
}

func executedAt(t task.Task) time.Time {
	if !t.ExecutedAt.IsZero() {
		return t.ExecutedAt
	}
	return t.ScheduledAt
}

// ---- TaskStore ----

func (s *fileStore) AddTask(ctx context.Context, t task.Task) (string, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Tasks[t.ID]; ok {
		return "", errors.New("task id already exists: " + t.ID)
	}
	if _, err := s.commit(journalRecord{Op: opPutTask, Task: &t}); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *fileStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Tasks[id]; !ok {
		return ErrNotFound
	}
	_, err := s.commit(journalRecord{Op: opDelTask, ID: id})
	return err
}

// update applies fn to a copy of the record and journals the result.
func (s *fileStore) update(id string, fn func(t *task.Task) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Tasks[id]
	if !ok {
		return ErrNotFound
	}
	t := cur.Clone()
	if !fn(&t) {
		return ErrNotFound
	}
	_, err := s.commit(journalRecord{Op: opPutTask, Task: &t})
	return err
}

func (s *fileStore) MarkExecuted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Tasks[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Executed {
		return nil
	}
	t := cur.Clone()
	t.Executed = true
	t.ExecutedAt = time.Now()
	t.TriggerRef = ""
	_, err := s.commit(journalRecord{Op: opPutTask, Task: &t})
	return err
}

func (s *fileStore) UpdateTrigger(ctx context.Context, id, ref string) error {
	return s.update(id, func(t *task.Task) bool {
		t.TriggerRef = ref
		return true
	})
}

func (s *fileStore) UpdateNextRun(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(t *task.Task) bool {
		if t.Recurrence == nil {
			return false
		}
		t.Recurrence.NextRunAt = at
		return true
	})
}

func (s *fileStore) ListTasks(ctx context.Context, f task.ListFilter) ([]task.Task, error) {
	s.mu.Lock()
	out := make([]task.Task, 0, len(s.state.Tasks))
	for _, t := range s.state.Tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sortTasks(out)
	return out, nil
}

func (s *fileStore) PurgeExecuted(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalRecord{Op: opPurgeExec, Before: olderThan})
}

// ---- MessageLog ----

func (s *fileStore) AppendMessage(ctx context.Context, m Message) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.state.NextMsgID + 1
	_, err := s.commit(journalRecord{Op: opMessage, Message: &m})
	return err
}

func (s *fileStore) RecentMessages(ctx context.Context, contact string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	var out []Message
	for i := len(s.state.Messages) - 1; i >= 0 && len(out) < limit; i-- {
		if m := s.state.Messages[i]; m.Contact == contact {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) PurgeMessages(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalRecord{Op: opPurgeMsg, Before: olderThan})
}

// ---- FireLog ----

func (s *fileStore) AppendFire(ctx context.Context, r FireRecord) error {
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.state.NextFireID + 1
	_, err := s.commit(journalRecord{Op: opFire, Fire: &r})
	return err
}

func (s *fileStore) RecentFires(ctx context.Context, limit int) ([]FireRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	out := append([]FireRecord(nil), s.state.Fires...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.After(out[j].FiredAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PurgeFires(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(journalRecord{Op: opPurgeFire, Before: olderThan})
}

// ---- snapshot + journal ----

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Tasks == nil {
		st.Tasks = map[string]task.Task{}
	}
	*out = st
	return nil
}

func replayJournal(path string, st *fileState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var rec journalRecord
		// A torn final line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Op == "" {
			continue
		}
		st.apply(rec)
		n++
	}
	return n, sc.Err()
}
