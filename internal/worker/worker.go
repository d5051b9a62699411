package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/model"
	"github.com/noahxzhu/local-notify/internal/storage"
)

// Dispatcher puts a single notification in front of the user.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.Notification) error
}

type Options struct {
	MaxAttempts   int
	RetryInterval time.Duration
}

// Worker delivers host-registered notifications when they fall due.
type Worker struct {
	store      storage.Store
	dispatcher Dispatcher
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
	updateChan chan struct{}
	onUpdate   func() // called after records change
}

func NewWorker(store storage.Store, dispatcher Dispatcher, opts Options, log zerolog.Logger) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log,
		now:        time.Now,
		updateChan: make(chan struct{}, 1),
	}
}

// SetOnUpdate sets a callback function that will be called when notifications are updated
func (w *Worker) SetOnUpdate(fn func()) {
	w.onUpdate = fn
}

// Refresh signals the worker to re-evaluate the schedule immediately
func (w *Worker) Refresh() {
	select {
	case w.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Msg("worker started")

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		nextRun := w.checkAndProcess(ctx)

		stopTimer(timer)
		if nextRun.IsZero() {
			w.log.Debug().Msg("no pending notifications, worker idle")
		} else {
			duration := nextRun.Sub(w.now())
			if duration < 0 {
				duration = 0
			}
			timer.Reset(duration)
			w.log.Debug().Dur("in", duration).Time("at", nextRun).Msg("next check scheduled")
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case <-w.updateChan:
		case <-timer.C:
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// nextAttempt is when n should next be handed to the dispatcher.
func (w *Worker) nextAttempt(n *model.Notification) time.Time {
	if n.Attempts == 0 {
		return n.DueAt
	}
	return n.LastAttemptAt.Add(w.opts.RetryInterval)
}

// checkAndProcess delivers due notifications and returns the time of the
// next scheduled event, or zero when nothing is pending.
func (w *Worker) checkAndProcess(ctx context.Context) time.Time {
	pending, err := w.store.Pending(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to load pending notifications")
		return w.now().Add(w.opts.RetryInterval)
	}

	now := w.now()
	changed := false
	var earliestNext time.Time

	for _, n := range pending {
		if ctx.Err() != nil {
			return time.Time{}
		}

		next := w.nextAttempt(n)
		if now.Before(next) {
			if earliestNext.IsZero() || next.Before(earliestNext) {
				earliestNext = next
			}
			continue
		}

		n.Attempts++
		n.LastAttemptAt = now
		lateBy := now.Sub(n.DueAt)
		if err := w.dispatcher.Dispatch(ctx, n); err != nil {
			n.LastError = err.Error()
			w.log.Error().Err(err).Str("id", n.ID).Int("attempt", n.Attempts).Int("max", w.opts.MaxAttempts).Msg("failed to deliver notification")
			if n.Attempts >= w.opts.MaxAttempts {
				n.State = model.StateFailed
				w.log.Warn().Str("id", n.ID).Msg("notification marked as failed")
			} else if retry := w.nextAttempt(n); earliestNext.IsZero() || retry.Before(earliestNext) {
				earliestNext = retry
			}
		} else {
			n.State = model.StateDelivered
			n.DeliveredAt = now
			n.LastError = ""
			w.log.Info().Str("id", n.ID).Str("title", n.Title).Dur("late_by", lateBy).Msg("notification delivered")
		}

		if err := w.store.UpdateNotification(ctx, n); err != nil {
			w.log.Error().Err(err).Str("id", n.ID).Msg("failed to save notification")
		}
		changed = true
	}

	if changed && w.onUpdate != nil {
		w.onUpdate()
	}
	return earliestNext
}
