package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/scheduler"
)

// screen is one mounted notification screen.
type screen struct {
	id     string
	sched  *scheduler.Scheduler
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *screen) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *screen) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Screens tracks mounted screens. Each gets its own Scheduler; nothing is
// shared between them.
type Screens struct {
	newScheduler func() *scheduler.Scheduler
	ttl          time.Duration
	log          zerolog.Logger
	now          func() time.Time

	mu sync.Mutex
	m  map[string]*screen
}

func NewScreens(newScheduler func() *scheduler.Scheduler, ttl time.Duration, log zerolog.Logger) *Screens {
	return &Screens{
		newScheduler: newScheduler,
		ttl:          ttl,
		log:          log,
		now:          time.Now,
		m:            make(map[string]*screen),
	}
}

// mount creates a screen and starts the activation-time permission check
// in the background; it may block on the user's answer.
func (s *Screens) mount() *screen {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &screen{
		id:       uuid.New().String(),
		sched:    s.newScheduler(),
		ctx:      ctx,
		cancel:   cancel,
		lastSeen: s.now(),
	}
	s.mu.Lock()
	s.m[sc.id] = sc
	s.mu.Unlock()

	go func() {
		if _, err := sc.sched.RequestPermission(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("screen", sc.id).Msg("permission request failed")
		}
	}()
	s.log.Debug().Str("screen", sc.id).Str("variant", string(sc.sched.Variant())).Msg("screen mounted")
	return sc
}

func (s *Screens) get(id string) (*screen, bool) {
	s.mu.Lock()
	sc, ok := s.m[id]
	s.mu.Unlock()
	if ok {
		sc.touch(s.now())
	}
	return sc, ok
}

// unmount tears the screen down. It reports whether the screen existed.
func (s *Screens) unmount(id string) bool {
	s.mu.Lock()
	sc, ok := s.m[id]
	delete(s.m, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sc.cancel()
	sc.sched.Close()
	s.log.Debug().Str("screen", id).Msg("screen unmounted")
	return true
}

// Sweep unmounts screens nobody has polled within the ttl.
func (s *Screens) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	var stale []string
	s.mu.Lock()
	for id, sc := range s.m {
		if sc.seen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.unmount(id)
	}
	if len(stale) > 0 {
		s.log.Info().Int("screens", len(stale)).Msg("unmounted abandoned screens")
	}
	return len(stale)
}

func (s *Screens) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Screens) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.unmount(id)
	}
}
