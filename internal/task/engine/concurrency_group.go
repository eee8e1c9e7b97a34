package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore pre-filled with limit tokens.
// The limit is fixed for the life of the semaphore: a later job asking for a
// different limit on the same key gets the first one.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	k := strings.TrimSpace(key)
	if limit <= 0 || k == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	return gs
}
