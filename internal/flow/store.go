package flow

import (
	"context"
	"sync"
	"time"

	"github.com/diagnosis/tripdesk/pkg/logger"
)

// Store keeps live controllers by session id. Each access extends the
// session's lifetime; idle sessions are abandoned by Sweep.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	ctrl    *Controller
	expires time.Time
}

func NewStore(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{ttl: ttl, now: now, entries: make(map[string]*storeEntry)}
}

func (s *Store) Put(c *Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.Session().ID] = &storeEntry{ctrl: c, expires: s.now().Add(s.ttl)}
}

func (s *Store) Get(id string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.After(e.expires) {
		return nil, false
	}
	e.expires = now.Add(s.ttl)
	return e.ctrl, true
}

// Remove abandons and forgets the session. It reports whether it existed.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		e.ctrl.Abandon(ctx)
	}
	return ok
}

// Sweep abandons expired sessions and returns how many were dropped. A
// session with a payment in flight is kept until the attempt settles.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	var expired []*Controller

	s.mu.Lock()
	for id, e := range s.entries {
		if !now.After(e.expires) {
			continue
		}
		if e.ctrl.Stage() == StagePaying {
			e.expires = now.Add(s.ttl)
			continue
		}
		expired = append(expired, e.ctrl)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, c := range expired {
		c.Abandon(ctx)
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				logger.InfoContext(ctx, "Expired checkout sessions", "count", n)
			}
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
