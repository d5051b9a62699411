// Package scheduler implements the per-screen notification button: it gates
// on permission, hands one request at a time to the host, and walks the
// status through idle, pending and fired for the presentation layer.
//
// Two variants exist and are never mixed within one Scheduler:
//
//   - VariantNative hands the delay to the host, so delivery survives the
//     screen going away. "Fired" is an optimistic local timer matched to
//     the delay.
//   - VariantCountdown counts down on an in-process timer, one tick per
//     interval, and asks the host for an immediate notification at zero.
//     Tearing the screen down cancels the countdown and the notification.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/model"
)

type Variant string

const (
	VariantNative    Variant = "native"
	VariantCountdown Variant = "countdown"
)

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantNative, VariantCountdown:
		return Variant(s), nil
	}
	return "", fmt.Errorf("unknown scheduler variant %q", s)
}

// Host is the part of the notification host a screen talks to.
type Host interface {
	RequestPermission(ctx context.Context) (model.PermissionState, error)
	Schedule(ctx context.Context, req model.ScheduleRequest) (model.Handle, error)
}

type Options struct {
	Variant Variant
	// Delay is handed to the host by the native variant.
	Delay time.Duration
	// Countdown is the number of ticks the countdown variant waits.
	Countdown int
	Tick      time.Duration
	// ResetAfter is how long Fired is shown before returning to Idle.
	ResetAfter time.Duration
	// Template supplies title, body, sound and channel for Trigger.
	Template model.ScheduleRequest
	Clock    Clock
}

func (o *Options) setDefaults() {
	if o.Variant == "" {
		o.Variant = VariantNative
	}
	if o.Countdown <= 0 {
		o.Countdown = 3
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.ResetAfter <= 0 {
		o.ResetAfter = time.Second
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
}

type Snapshot struct {
	Variant    Variant               `json:"variant"`
	Status     model.Status          `json:"status"`
	Remaining  int                   `json:"remaining"`
	Permission model.PermissionState `json:"permission"`
	Busy       bool                  `json:"busy"`
	Error      string                `json:"error,omitempty"`
	Handle     *model.Handle         `json:"handle,omitempty"`
}

// Scheduler is the state of one screen instance. It is safe for concurrent
// use; all transitions happen under mu.
type Scheduler struct {
	host   Host
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     model.Status
	remaining  int
	permission model.PermissionState
	lastErr    string
	handle     *model.Handle
	inFlight   bool
	timer      Timer
	gen        uint64
	closed     bool
	nextSub    int
	subs       map[int]func(Snapshot)
}

func New(host Host, opts Options, log zerolog.Logger) *Scheduler {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		host:       host,
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		status:     model.StatusIdle,
		permission: model.PermissionUndetermined,
		subs:       make(map[int]func(Snapshot)),
	}
}

func (s *Scheduler) Variant() Variant { return s.opts.Variant }

// Subscribe calls fn after every state change until unsubscribed.
func (s *Scheduler) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{
		Variant:    s.opts.Variant,
		Status:     s.status,
		Remaining:  s.remaining,
		Permission: s.permission,
		Busy:       s.inFlight || s.status != model.StatusIdle,
		Error:      s.lastErr,
	}
	if s.handle != nil {
		h := *s.handle
		snap.Handle = &h
	}
	return snap
}

// unlockAndNotify releases mu and fans the new state out to subscribers.
func (s *Scheduler) unlockAndNotify() {
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// RequestPermission asks the host, which prompts only while the answer is
// undetermined. The result is kept for display only; every Trigger asks
// again.
func (s *Scheduler) RequestPermission(ctx context.Context) (model.PermissionState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mu.Unlock()

	state, err := s.host.RequestPermission(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return state, ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		return state, err
	}
	s.permission = state
	if state != model.PermissionGranted {
		s.lastErr = MsgPermissionRequired
	} else if s.lastErr == MsgPermissionRequired {
		s.lastErr = ""
	}
	s.unlockAndNotify()
	return state, nil
}

// Trigger is the button press. It re-checks permission, then either hands
// the templated request to the host (native) or starts the countdown.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}

	state, err := s.host.RequestPermission(ctx)
	if err != nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.inFlight = false
		s.lastErr = MsgSchedulingFailed
		s.log.Error().Err(err).Msg("permission check failed")
		s.unlockAndNotify()
		return &SchedulingError{Err: err}
	}
	if state != model.PermissionGranted {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.inFlight = false
		s.permission = state
		s.lastErr = MsgPermissionRequired
		s.unlockAndNotify()
		return ErrPermissionDenied
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.permission = state
	if s.opts.Variant == VariantCountdown {
		s.inFlight = false
		s.startCountdownLocked()
		s.unlockAndNotify()
		return nil
	}
	s.mu.Unlock()

	req := s.opts.Template
	req.Delay = s.opts.Delay
	_, err = s.submit(ctx, req)
	return err
}

// Schedule hands req to the host directly. The host enforces permission.
// Only the native variant accepts it; a countdown scheduler is driven by
// Trigger.
func (s *Scheduler) Schedule(ctx context.Context, req model.ScheduleRequest) (model.Handle, error) {
	if s.opts.Variant != VariantNative {
		return model.Handle{}, fmt.Errorf("%w: %s", ErrUnsupported, s.opts.Variant)
	}
	if err := s.begin(); err != nil {
		return model.Handle{}, err
	}
	return s.submit(ctx, req)
}

// begin claims the trigger for one attempt.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.inFlight || s.status != model.StatusIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inFlight = true
	s.lastErr = ""
	s.unlockAndNotify()
	return nil
}

// submit runs with inFlight set and finishes the attempt either way.
func (s *Scheduler) submit(ctx context.Context, req model.ScheduleRequest) (model.Handle, error) {
	handle, err := s.host.Schedule(ctx, req)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return handle, ErrClosed
	}
	s.inFlight = false
	if err != nil {
		err = s.failLocked(err)
		s.unlockAndNotify()
		return model.Handle{}, err
	}

	s.gen++
	s.status = model.StatusPending
	s.handle = &handle
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(req.Delay, func() { s.fire(gen) })
	s.log.Info().Str("id", handle.ID).Dur("delay", req.Delay).Msg("notification pending")
	s.unlockAndNotify()
	return handle, nil
}

// failLocked returns to Idle and translates err for the caller.
func (s *Scheduler) failLocked(err error) error {
	s.status = model.StatusIdle
	s.remaining = 0
	if errors.Is(err, model.ErrPermissionDenied) {
		s.permission = model.PermissionDenied
		s.lastErr = MsgPermissionRequired
		s.log.Warn().Msg("schedule refused: permission not granted")
		return ErrPermissionDenied
	}
	s.lastErr = MsgSchedulingFailed
	s.log.Error().Err(err).Msg("failed to schedule notification")
	return &SchedulingError{Err: err}
}

func (s *Scheduler) startCountdownLocked() {
	s.gen++
	s.status = model.StatusPending
	s.remaining = s.opts.Countdown
	s.handle = nil
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(s.opts.Tick, func() { s.tick(gen) })
	s.log.Info().Int("countdown", s.remaining).Msg("countdown started")
}

// live reports whether a timer callback of generation gen may still act.
func (s *Scheduler) live(gen uint64) bool {
	return !s.closed && gen == s.gen
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.remaining--
	if s.remaining > 0 {
		s.timer = s.opts.Clock.AfterFunc(s.opts.Tick, func() { s.tick(gen) })
		s.unlockAndNotify()
		return
	}
	s.timer = nil
	s.inFlight = true
	s.unlockAndNotify()

	req := s.opts.Template
	req.Delay = 0
	handle, err := s.host.Schedule(s.ctx, req)

	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.inFlight = false
	if err != nil {
		_ = s.failLocked(err)
		s.unlockAndNotify()
		return
	}
	s.handle = &handle
	s.fireLocked(gen)
	s.unlockAndNotify()
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.fireLocked(gen)
	s.unlockAndNotify()
}

func (s *Scheduler) fireLocked(gen uint64) {
	s.status = model.StatusFired
	s.remaining = 0
	s.timer = s.opts.Clock.AfterFunc(s.opts.ResetAfter, func() { s.reset(gen) })
}

func (s *Scheduler) reset(gen uint64) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	s.status = model.StatusIdle
	s.timer = nil
	s.unlockAndNotify()
}

// Close tears the screen down. Local timers stop and no callback mutates
// state afterwards. Notifications already registered with the host are
// not affected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	status := s.status
	s.subs = map[int]func(Snapshot){}
	s.mu.Unlock()

	s.cancel()
	s.log.Debug().Str("status", string(status)).Msg("screen torn down")
}
