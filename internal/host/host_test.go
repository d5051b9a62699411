package host

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/delivery"
	"github.com/noahxzhu/local-notify/internal/model"
	"github.com/noahxzhu/local-notify/internal/storage"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []delivery.Message
	err  error
}

func (d *recordingDeliverer) Name() string { return "recording" }

func (d *recordingDeliverer) Deliver(_ context.Context, msg delivery.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type countingPrompter struct {
	answer model.PermissionState
	calls  int
}

func (p *countingPrompter) Prompt(context.Context) (model.PermissionState, error) {
	p.calls++
	return p.answer, nil
}

func newTestHost(t *testing.T, answer model.PermissionState, opts Options) (*Host, *recordingDeliverer, *countingPrompter) {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "host.json"))
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	d := &recordingDeliverer{}
	p := &countingPrompter{answer: answer}
	h := New(store, d, p, opts, zerolog.Nop())
	h.SetPresentationPolicy(model.PresentationPolicy{ShowAlert: true, PlaySound: true})
	if err := h.ConfigureChannel(context.Background(), model.Channel{ID: model.DefaultChannelID, Name: "default", Importance: model.ImportanceMax}); err != nil {
		t.Fatal(err)
	}
	return h, d, p
}

func TestRequestPermissionPromptsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, _, p := newTestHost(t, model.PermissionGranted, Options{})

	for i := 0; i < 3; i++ {
		state, err := h.RequestPermission(ctx)
		if err != nil || state != model.PermissionGranted {
			t.Fatalf("RequestPermission = %v, %v", state, err)
		}
	}
	if p.calls != 1 {
		t.Fatalf("prompt calls = %d, want 1", p.calls)
	}
}

func TestDenialIsTerminalUntilSettingsChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, _, p := newTestHost(t, model.PermissionDenied, Options{})

	if state, _ := h.RequestPermission(ctx); state != model.PermissionDenied {
		t.Fatalf("state = %v, want denied", state)
	}
	if state, _ := h.RequestPermission(ctx); state != model.PermissionDenied {
		t.Fatalf("state = %v, want denied", state)
	}
	if p.calls != 1 {
		t.Fatalf("prompt calls = %d, want 1", p.calls)
	}

	if err := h.SetPermission(ctx, model.PermissionGranted); err != nil {
		t.Fatal(err)
	}
	if state, _ := h.Status(ctx); state != model.PermissionGranted {
		t.Fatalf("state = %v, want granted", state)
	}
}

func TestScheduleWithoutPermission(t *testing.T) {
	t.Parallel()
	h, d, _ := newTestHost(t, model.PermissionDenied, Options{})
	_, err := h.Schedule(context.Background(), model.ScheduleRequest{Title: "t"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if d.count() != 0 {
		t.Fatal("deliverer must not be called")
	}
}

func TestScheduleImmediateDeliversSynchronously(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, d, _ := newTestHost(t, model.PermissionGranted, Options{RequireChannel: true})
	_ = h.SetPermission(ctx, model.PermissionGranted)

	handle, err := h.Schedule(ctx, model.ScheduleRequest{Title: "Time's up!", Body: "now", Sound: true})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if handle.ID == "" {
		t.Fatal("expected a handle id")
	}
	if d.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", d.count())
	}
	msg := d.msgs[0]
	if !msg.Sound || msg.Importance != model.ImportanceMax {
		t.Fatalf("unexpected message: %+v", msg)
	}
	records, _ := h.Notifications(ctx)
	if len(records) != 1 || records[0].State != model.StateDelivered {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestScheduleImmediateFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, d, _ := newTestHost(t, model.PermissionGranted, Options{})
	_ = h.SetPermission(ctx, model.PermissionGranted)
	d.err = errors.New("device offline")

	_, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	records, _ := h.Notifications(ctx)
	if len(records) != 1 || records[0].State != model.StateFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestScheduleDelayedIsStoredAndWakesWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, d, _ := newTestHost(t, model.PermissionGranted, Options{})
	_ = h.SetPermission(ctx, model.PermissionGranted)

	woke := 0
	h.OnScheduled(func() { woke++ })

	handle, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t", Delay: 3 * time.Second})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if d.count() != 0 {
		t.Fatal("delayed notification must not be delivered at schedule time")
	}
	if woke != 1 {
		t.Fatalf("wake calls = %d, want 1", woke)
	}
	records, _ := h.Notifications(ctx)
	if len(records) != 1 || records[0].State != model.StateScheduled || !records[0].DueAt.Equal(handle.DueAt) {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestScheduleRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown channel", func(t *testing.T) {
		h, _, _ := newTestHost(t, model.PermissionGranted, Options{RequireChannel: true})
		_ = h.SetPermission(ctx, model.PermissionGranted)
		_, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t", ChannelID: "alarms"})
		if !errors.Is(err, ErrChannelNotFound) {
			t.Fatalf("expected ErrChannelNotFound, got %v", err)
		}
	})

	t.Run("quota", func(t *testing.T) {
		h, _, _ := newTestHost(t, model.PermissionGranted, Options{QuotaPerMinute: 2})
		_ = h.SetPermission(ctx, model.PermissionGranted)
		for i := 0; i < 2; i++ {
			if _, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t", Delay: time.Minute}); err != nil {
				t.Fatalf("Schedule %d error: %v", i, err)
			}
		}
		if _, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t", Delay: time.Minute}); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		h, _, _ := newTestHost(t, model.PermissionGranted, Options{})
		_ = h.SetPermission(ctx, model.PermissionGranted)
		if _, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t", Delay: -time.Second}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})
}

func TestDispatchAppliesPresentationPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewStore(filepath.Join(t.TempDir(), "host.json"))
	d := &recordingDeliverer{}
	h := New(store, d, &countingPrompter{}, Options{}, zerolog.Nop())
	h.SetPresentationPolicy(model.PresentationPolicy{ShowAlert: true, PlaySound: false, SetBadge: true})
	h.SetPresentationPolicy(model.PresentationPolicy{})

	n := &model.Notification{ID: "n", Title: "t", Sound: true, ChannelID: "unknown"}
	if err := h.Dispatch(ctx, n); err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 || d.msgs[0].Sound || d.msgs[0].Importance != model.ImportanceDefault {
		t.Fatalf("unexpected message: %+v", d.msgs)
	}
	if h.Badge() != 1 {
		t.Fatalf("badge = %d, want 1", h.Badge())
	}
}

func TestDispatchWithoutAlert(t *testing.T) {
	t.Parallel()
	store := storage.NewStore(filepath.Join(t.TempDir(), "host.json"))
	d := &recordingDeliverer{}
	h := New(store, d, &countingPrompter{}, Options{}, zerolog.Nop())
	h.SetPresentationPolicy(model.PresentationPolicy{ShowAlert: false})

	if err := h.Dispatch(context.Background(), &model.Notification{ID: "n", Title: "t"}); err != nil {
		t.Fatal(err)
	}
	if d.count() != 0 {
		t.Fatal("alert must be suppressed")
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, _, _ := newTestHost(t, model.PermissionGranted, Options{})
	_ = h.SetPermission(ctx, model.PermissionGranted)
	if _, err := h.Schedule(ctx, model.ScheduleRequest{Title: "t"}); err != nil {
		t.Fatal(err)
	}
	h.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err := h.Prune(ctx, time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("Prune = %d, %v; want 1", removed, err)
	}
}

type blockingPrompter struct{}

func (blockingPrompter) Prompt(ctx context.Context) (model.PermissionState, error) {
	<-ctx.Done()
	return model.PermissionUndetermined, ctx.Err()
}

func TestUnansweredPromptLeavesPermissionUndetermined(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		prompter Prompter
		wantErr  bool
	}{
		{name: "cancelled", prompter: blockingPrompter{}, wantErr: true},
		{name: "timed out", prompter: &countingPrompter{answer: model.PermissionUndetermined}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := storage.NewStore(filepath.Join(t.TempDir(), "host.json"))
			if err := store.Load(); err != nil {
				t.Fatal(err)
			}
			h := New(store, &recordingDeliverer{}, tt.prompter, Options{}, zerolog.Nop())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			state, err := h.RequestPermission(ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RequestPermission err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("err = %v, want deadline exceeded", err)
			}
			if state != model.PermissionUndetermined {
				t.Fatalf("state = %v, want undetermined", state)
			}
			stored, err := h.Status(context.Background())
			if err != nil || stored != model.PermissionUndetermined {
				t.Fatalf("Status = %v, %v, want undetermined", stored, err)
			}
		})
	}
}

type failingAddStore struct {
	storage.Store
	fail bool
}

func (s *failingAddStore) AddNotification(ctx context.Context, n *model.Notification) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.AddNotification(ctx, n)
}

func TestStorageFailureDoesNotSpendQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := storage.NewStore(filepath.Join(t.TempDir(), "host.json"))
	if err := inner.Load(); err != nil {
		t.Fatal(err)
	}
	store := &failingAddStore{Store: inner, fail: true}
	h := New(store, &recordingDeliverer{}, &countingPrompter{answer: model.PermissionGranted}, Options{QuotaPerMinute: 1}, zerolog.Nop())
	if err := h.SetPermission(ctx, model.PermissionGranted); err != nil {
		t.Fatal(err)
	}
	req := model.ScheduleRequest{Title: "t", Delay: time.Hour}

	if _, err := h.Schedule(ctx, req); err == nil || errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Schedule with failing store = %v, want storage error", err)
	}
	store.fail = false
	if _, err := h.Schedule(ctx, req); err != nil {
		t.Fatalf("Schedule after storage recovered = %v", err)
	}
	if _, err := h.Schedule(ctx, req); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third Schedule = %v, want ErrQuotaExceeded", err)
	}
}
