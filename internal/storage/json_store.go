package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/noahxzhu/local-notify/internal/model"
)

type JSONStore struct {
	mu       sync.RWMutex
	filePath string
	data     *model.HostState
}

func NewStore(filePath string) *JSONStore {
	return &JSONStore{
		filePath: filePath,
		data:     emptyState(),
	}
}

func emptyState() *model.HostState {
	return &model.HostState{
		Permission:    model.PermissionUndetermined,
		Channels:      []model.Channel{},
		Notifications: []*model.Notification{},
	}
}

func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = emptyState()
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		s.data = emptyState()
		return nil
	}

	state := emptyState()
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	if state.Permission == "" {
		state.Permission = model.PermissionUndetermined
	}
	if state.Channels == nil {
		state.Channels = []model.Channel{}
	}
	if state.Notifications == nil {
		state.Notifications = []*model.Notification{}
	}
	s.data = state
	return nil
}

// save must be called with s.mu held.
func (s *JSONStore) save() error {
	return s.write(s.data)
}

func (s *JSONStore) write(state *model.HostState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Atomic replace.
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (s *JSONStore) Permission(context.Context) (model.PermissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Permission, nil
}

func (s *JSONStore) SetPermission(_ context.Context, state model.PermissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Permission = state
	return s.save()
}

func (s *JSONStore) PutChannel(_ context.Context, ch model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Channels {
		if s.data.Channels[i].ID == ch.ID {
			s.data.Channels[i] = ch
			return s.save()
		}
	}
	s.data.Channels = append(s.data.Channels, ch)
	return s.save()
}

func (s *JSONStore) Channel(_ context.Context, id string) (model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.data.Channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return model.Channel{}, ErrNotFound
}

func (s *JSONStore) AddNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Notifications = append(s.data.Notifications, clone(n))
	return s.save()
}

func (s *JSONStore) UpdateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.data.Notifications {
		if cur.ID == n.ID {
			s.data.Notifications[i] = clone(n)
			return s.save()
		}
	}
	return ErrNotFound
}

func (s *JSONStore) Pending(context.Context) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*model.Notification
	for _, n := range s.data.Notifications {
		if !n.Finished() {
			pending = append(pending, clone(n))
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].DueAt.Before(pending[j].DueAt) })
	return pending, nil
}

func (s *JSONStore) ListNotifications(context.Context) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Notification, 0, len(s.data.Notifications))
	for _, n := range s.data.Notifications {
		result = append(result, clone(n))
	}
	return result, nil
}

func (s *JSONStore) PruneFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*model.Notification, 0, len(s.data.Notifications))
	for _, n := range s.data.Notifications {
		if n.Finished() && finishedAt(n).Before(before) {
			continue
		}
		kept = append(kept, n)
	}
	removed := len(s.data.Notifications) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	next := *s.data
	next.Notifications = kept
	if err := s.write(&next); err != nil {
		return 0, err
	}
	s.data.Notifications = kept
	return removed, nil
}

func (s *JSONStore) Close() error { return nil }
