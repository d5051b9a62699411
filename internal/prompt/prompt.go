// Package prompt implements the interactive permission dialog.
package prompt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noahxzhu/local-notify/internal/model"
)

var (
	ErrUnknownPrompt = errors.New("no such permission prompt")
	ErrInvalidAnswer = errors.New("permission answer must be granted or denied")
)

// Static answers every prompt the same way. Used for headless runs.
type Static struct {
	Answer model.PermissionState
}

func (s Static) Prompt(ctx context.Context) (model.PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return model.PermissionUndetermined, err
	}
	return s.Answer, nil
}

type Request struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type waiter struct {
	req    Request
	answer chan model.PermissionState
}

// Broker parks prompts until someone answers them through Answer. A prompt
// left unanswered for the timeout counts as dismissed.
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*waiter
}

func NewBroker(timeout time.Duration) *Broker {
	return &Broker{
		timeout: timeout,
		pending: make(map[string]*waiter),
	}
}

func (b *Broker) Prompt(ctx context.Context) (model.PermissionState, error) {
	w := &waiter{
		req:    Request{ID: uuid.New().String(), CreatedAt: time.Now()},
		answer: make(chan model.PermissionState, 1),
	}
	b.mu.Lock()
	b.pending[w.req.ID] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, w.req.ID)
		b.mu.Unlock()
	}()

	var expired <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case state := <-w.answer:
		return state, nil
	case <-expired:
		return model.PermissionUndetermined, nil
	case <-ctx.Done():
		return model.PermissionUndetermined, ctx.Err()
	}
}

// Pending lists open prompts, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, w := range b.pending {
		out = append(out, w.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) Answer(id string, state model.PermissionState) error {
	if state != model.PermissionGranted && state != model.PermissionDenied {
		return ErrInvalidAnswer
	}
	b.mu.Lock()
	w, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}
	w.answer <- state
	return nil
}
