package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool. Fired tasks are submitted as Jobs and
// executed off the timer goroutines so a slow capability never delays the
// next due task.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	groups groupLimiterStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	droppedQueueFull uint64
	droppedStale     uint64
	skipped          uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		states: make(map[string]*runState),
	}
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config and restarts workers if the pool shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop cancels the workers. Jobs still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		atomic.StoreInt32(&s.inFlight, 0)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds a job without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(j Job) error {
	return s.enqueue(context.Background(), j, false)
}

// Submit blocks until the job is accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, j, true)
}

func (s *Service) enqueue(ctx context.Context, j Job, block bool) error {
	if j.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("job Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = s.newJobID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	var st *runState
	if j.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(j.Key, j.Name)
		if !st.tryAcquire() {
			atomic.AddUint64(&s.skipped, 1)
			eventbus.Emit(s.bus, eventbus.JobSkipped, eventbus.JobEvent{Name: j.Name, Trigger: j.Trigger, Err: "overlap_skip"})
			s.log.Debug("job skipped due to overlap", logx.String("job", j.Name), logx.String("id", j.ID))
			return ErrOverlapSkip
		}
	}
	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout, state: st}

	if !block {
		select {
		case q <- qj:
			return nil
		default:
			qj.release()
			s.onQueueFullDropped(now, j, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qj:
		return nil
	case <-ctx.Done():
		qj.release()
		return ctx.Err()
	case <-stopCh:
		qj.release()
		return ErrStopping
	}
}

func (qj queuedJob) release() {
	if qj.state != nil {
		qj.state.release()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		Skipped:          atomic.LoadUint64(&s.skipped),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key, name string) *runState {
	k := strings.TrimSpace(key)
	if k == "" {
		k = name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[k]
	if st == nil {
		st = &runState{}
		s.states[k] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) newJobID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, j Job, q chan queuedJob) {
	atomic.AddUint64(&s.droppedQueueFull, 1)
	eventbus.Emit(s.bus, eventbus.JobDropped, eventbus.JobEvent{Name: j.Name, Trigger: j.Trigger, Err: "queue_full"})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, j Job, queueDelay time.Duration) {
	atomic.AddUint64(&s.droppedStale, 1)
	eventbus.Emit(s.bus, eventbus.JobDropped, eventbus.JobEvent{Name: j.Name, Trigger: j.Trigger, Duration: queueDelay, Err: "stale_queue_delay"})
	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("job dropped: stale queue",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
