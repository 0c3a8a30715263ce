package quota

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// resetRecoveryBuffer is the wait after a reset before re-polling.
	resetRecoveryBuffer  = 5 * time.Minute
	scheduledPollTimeout = 30 * time.Second
)

type refreshFunc func(ctx context.Context, authID string)

// resetScheduler re-polls an auth shortly after its quota resets.
type resetScheduler struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	refreshFn refreshFunc
	now       func() time.Time
}

func newResetScheduler(fn refreshFunc) *resetScheduler {
	return &resetScheduler{
		timers:    make(map[string]*time.Timer),
		refreshFn: fn,
		now:       time.Now,
	}
}

// schedule replaces any pending refresh of authID.
func (s *resetScheduler) schedule(authID string, resetTime time.Time) {
	if s == nil || authID == "" || resetTime.IsZero() {
		return
	}
	refreshAt := resetTime.Add(resetRecoveryBuffer)
	delay := refreshAt.Sub(s.now())
	if delay <= 0 {
		delay = time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[authID]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[authID] == timer {
			delete(s.timers, authID)
		}
		fn := s.refreshFn
		s.mu.Unlock()
		if fn == nil {
			return
		}
		log.Debugf("quota poller: triggering scheduled refresh for auth %s", authID)
		ctx, cancel := context.WithTimeout(context.Background(), scheduledPollTimeout)
		defer cancel()
		fn(ctx, authID)
	})
	s.timers[authID] = timer
	log.Debugf("quota poller: scheduled refresh for auth %s at %s (in %s)", authID, refreshAt.Format(time.RFC3339), delay.Round(time.Second))
}

func (s *resetScheduler) cancel(authID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[authID]; ok {
		timer.Stop()
		delete(s.timers, authID)
	}
}

func (s *resetScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *resetScheduler) stopAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
