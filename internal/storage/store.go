package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noahxzhu/local-notify/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists everything the notification host owns: the permission
// answer, registered channels and scheduled notification records.
type Store interface {
	Permission(ctx context.Context) (model.PermissionState, error)
	SetPermission(ctx context.Context, state model.PermissionState) error

	PutChannel(ctx context.Context, ch model.Channel) error
	Channel(ctx context.Context, id string) (model.Channel, error)

	AddNotification(ctx context.Context, n *model.Notification) error
	UpdateNotification(ctx context.Context, n *model.Notification) error
	// Pending returns copies of every record not yet delivered or failed,
	// ordered by due time.
	Pending(ctx context.Context) ([]*model.Notification, error)
	ListNotifications(ctx context.Context) ([]*model.Notification, error)
	// PruneFinished deletes delivered and failed records last touched before t.
	PruneFinished(ctx context.Context, before time.Time) (int, error)

	Close() error
}

type Config struct {
	Driver     string
	FilePath   string
	SQLitePath string
}

func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "json":
		s := NewStore(cfg.FilePath)
		if err := s.Load(); err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func finishedAt(n *model.Notification) time.Time {
	if n.State == model.StateDelivered {
		return n.DeliveredAt
	}
	return n.LastAttemptAt
}

func clone(n *model.Notification) *model.Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}
