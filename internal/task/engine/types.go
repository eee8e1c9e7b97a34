package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool that executes fired tasks.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a job while another job with the same
	// key is queued or running.
	OverlapSkipIfRunning
)

// Job is a unit of work executed by the engine.
type Job struct {
	ID      string
	Name    string
	Trigger string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	Overlap OverlapPolicy
	// Key scopes overlap gating; defaults to Name.
	Key string

	// ConcurrencyLimit bounds concurrent runs sharing ConcurrencyKey.
	// 0 disables group limiting.
	ConcurrencyLimit int
	ConcurrencyKey   string
}

// runState tracks whether a key is already queued or in flight.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Trigger    string        `json:"trigger,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running          bool          `json:"running"`
	Workers          int           `json:"workers"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	InFlight         int           `json:"in_flight"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	DroppedStale     uint64        `json:"dropped_stale"`
	Skipped          uint64        `json:"skipped"`
	History          []HistoryItem `json:"history,omitempty"`
}
