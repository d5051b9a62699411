// Package host plays the part a phone's operating system plays for a mobile
// app: it owns the notification permission, the delivery channels and the
// queue of registered notifications, and delivers them on time whether or
// not the requesting screen is still around.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noahxzhu/local-notify/internal/delivery"
	"github.com/noahxzhu/local-notify/internal/model"
	"github.com/noahxzhu/local-notify/internal/storage"
)

var (
	ErrPermissionDenied = model.ErrPermissionDenied
	ErrChannelNotFound  = errors.New("notification channel not configured")
	ErrQuotaExceeded    = errors.New("notification quota exceeded")
	ErrInvalidRequest   = errors.New("invalid notification request")
	ErrDeliveryFailed   = errors.New("notification delivery failed")
)

// Prompter asks the user to allow notifications and blocks until they
// answer or ctx is done.
type Prompter interface {
	Prompt(ctx context.Context) (model.PermissionState, error)
}

type Options struct {
	RequireChannel bool
	// QuotaPerMinute caps accepted schedule requests; 0 disables the cap.
	QuotaPerMinute int
}

type Host struct {
	store     storage.Store
	deliverer delivery.Deliverer
	prompter  Prompter
	limiter   *rate.Limiter
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	// promptMu keeps at most one permission dialog on screen.
	promptMu sync.Mutex
	// quotaMu pairs the quota check with taking the token.
	quotaMu sync.Mutex

	mu          sync.Mutex
	policy      model.PresentationPolicy
	policySet   bool
	badge       int
	onScheduled func()
}

func New(store storage.Store, deliverer delivery.Deliverer, prompter Prompter, opts Options, log zerolog.Logger) *Host {
	limit := rate.Inf
	burst := 0
	if opts.QuotaPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.QuotaPerMinute))
		burst = opts.QuotaPerMinute
	}
	return &Host{
		store:     store,
		deliverer: deliverer,
		prompter:  prompter,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// OnScheduled registers fn to run after a delayed notification is stored;
// the delivery worker uses it to re-arm its timer.
func (h *Host) OnScheduled(fn func()) {
	h.mu.Lock()
	h.onScheduled = fn
	h.mu.Unlock()
}

// SetPresentationPolicy is process-lifecycle initialization: the first
// call wins and later calls are ignored.
func (h *Host) SetPresentationPolicy(p model.PresentationPolicy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.policySet {
		h.log.Warn().Msg("presentation policy already set, ignoring")
		return
	}
	h.policy = p
	h.policySet = true
	h.log.Info().
		Bool("show_alert", p.ShowAlert).
		Bool("play_sound", p.PlaySound).
		Bool("set_badge", p.SetBadge).
		Msg("presentation policy configured")
}

func (h *Host) PresentationPolicy() model.PresentationPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.policy
}

// Badge is the application badge count.
func (h *Host) Badge() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.badge
}

func (h *Host) ConfigureChannel(ctx context.Context, ch model.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidRequest)
	}
	if ch.Importance == "" {
		ch.Importance = model.ImportanceDefault
	}
	if err := h.store.PutChannel(ctx, ch); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	h.log.Info().Str("channel", ch.ID).Str("importance", string(ch.Importance)).Msg("channel configured")
	return nil
}

// Status returns the current permission without prompting.
func (h *Host) Status(ctx context.Context) (model.PermissionState, error) {
	return h.store.Permission(ctx)
}

// RequestPermission shows the permission dialog only while the answer is
// undetermined. A denial is returned as-is until changed with SetPermission.
func (h *Host) RequestPermission(ctx context.Context) (model.PermissionState, error) {
	h.promptMu.Lock()
	defer h.promptMu.Unlock()

	state, err := h.store.Permission(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read permission: %w", err)
	}
	if state != model.PermissionUndetermined {
		return state, nil
	}

	answer, err := h.prompter.Prompt(ctx)
	if err != nil {
		return model.PermissionUndetermined, fmt.Errorf("permission prompt: %w", err)
	}
	if answer != model.PermissionGranted && answer != model.PermissionDenied {
		return model.PermissionUndetermined, nil
	}
	if err := h.store.SetPermission(ctx, answer); err != nil {
		return "", fmt.Errorf("failed to save permission: %w", err)
	}
	h.log.Info().Str("permission", string(answer)).Msg("permission answered")
	return answer, nil
}

// SetPermission is the change a user makes in the system settings.
func (h *Host) SetPermission(ctx context.Context, state model.PermissionState) error {
	if err := h.store.SetPermission(ctx, state); err != nil {
		return fmt.Errorf("failed to save permission: %w", err)
	}
	h.log.Info().Str("permission", string(state)).Msg("permission changed in settings")
	return nil
}

// Schedule registers req. A positive delay is acknowledged once the record
// is stored; delivery happens later on the worker. A zero delay delivers
// before returning.
func (h *Host) Schedule(ctx context.Context, req model.ScheduleRequest) (model.Handle, error) {
	if err := req.Validate(); err != nil {
		return model.Handle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	state, err := h.store.Permission(ctx)
	if err != nil {
		return model.Handle{}, fmt.Errorf("failed to read permission: %w", err)
	}
	if state != model.PermissionGranted {
		return model.Handle{}, ErrPermissionDenied
	}

	if req.ChannelID == "" {
		req.ChannelID = model.DefaultChannelID
	}
	if h.opts.RequireChannel {
		if _, err := h.store.Channel(ctx, req.ChannelID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Handle{}, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
			}
			return model.Handle{}, fmt.Errorf("failed to read channel: %w", err)
		}
	}

	h.quotaMu.Lock()
	if !h.quotaAvailable() {
		h.quotaMu.Unlock()
		return model.Handle{}, ErrQuotaExceeded
	}

	now := h.now()
	n := &model.Notification{
		ID:        uuid.New().String(),
		Title:     req.Title,
		Body:      req.Body,
		Sound:     req.Sound,
		ChannelID: req.ChannelID,
		Data:      req.Data,
		DueAt:     now.Add(req.Delay),
		State:     model.StateScheduled,
		CreatedAt: now,
	}
	handle := model.Handle{ID: n.ID, DueAt: n.DueAt}

	if req.Delay == 0 {
		h.limiter.Allow()
		h.quotaMu.Unlock()
		return handle, h.deliverNow(ctx, n)
	}

	// The token is only taken once the host has accepted the record.
	err = h.store.AddNotification(ctx, n)
	if err == nil {
		h.limiter.Allow()
	}
	h.quotaMu.Unlock()
	if err != nil {
		return model.Handle{}, fmt.Errorf("failed to save notification: %w", err)
	}
	h.log.Info().Str("id", n.ID).Dur("delay", req.Delay).Time("due_at", n.DueAt).Msg("notification scheduled")

	h.mu.Lock()
	wake := h.onScheduled
	h.mu.Unlock()
	if wake != nil {
		wake()
	}
	return handle, nil
}

func (h *Host) quotaAvailable() bool {
	if h.opts.QuotaPerMinute <= 0 {
		return true
	}
	return h.limiter.Tokens() >= 1
}

func (h *Host) deliverNow(ctx context.Context, n *model.Notification) error {
	n.Attempts = 1
	n.LastAttemptAt = h.now()
	dispatchErr := h.Dispatch(ctx, n)
	if dispatchErr != nil {
		n.State = model.StateFailed
		n.LastError = dispatchErr.Error()
	} else {
		n.State = model.StateDelivered
		n.DeliveredAt = n.LastAttemptAt
	}
	if err := h.store.AddNotification(ctx, n); err != nil {
		h.log.Error().Err(err).Str("id", n.ID).Msg("failed to record immediate notification")
	}
	if dispatchErr != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, dispatchErr)
	}
	return nil
}

// Dispatch hands n to the deliverer under the presentation policy. It
// does not touch the stored record.
func (h *Host) Dispatch(ctx context.Context, n *model.Notification) error {
	policy := h.PresentationPolicy()

	if policy.SetBadge {
		h.mu.Lock()
		h.badge++
		h.mu.Unlock()
	}
	if !policy.ShowAlert {
		h.log.Info().Str("id", n.ID).Msg("notification delivered without alert")
		return nil
	}

	importance := model.ImportanceDefault
	if ch, err := h.store.Channel(ctx, n.ChannelID); err == nil {
		importance = ch.Importance
	}

	return h.deliverer.Deliver(ctx, delivery.Message{
		Title:      n.Title,
		Body:       n.Body,
		Sound:      n.Sound && policy.PlaySound,
		Importance: importance,
		Data:       n.Data,
	})
}

func (h *Host) Notifications(ctx context.Context) ([]*model.Notification, error) {
	return h.store.ListNotifications(ctx)
}

// Prune drops finished records older than retention.
func (h *Host) Prune(ctx context.Context, retention time.Duration) (int, error) {
	removed, err := h.store.PruneFinished(ctx, h.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	if removed > 0 {
		h.log.Info().Int("removed", removed).Msg("pruned finished notifications")
	}
	return removed, nil
}
