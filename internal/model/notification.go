package model

import (
	"errors"
	"time"
)

type PermissionState string

const (
	PermissionUndetermined PermissionState = "undetermined"
	PermissionGranted      PermissionState = "granted"
	PermissionDenied       PermissionState = "denied"
)

func ParsePermission(s string) (PermissionState, error) {
	switch PermissionState(s) {
	case PermissionUndetermined, PermissionGranted, PermissionDenied:
		return PermissionState(s), nil
	}
	return "", errors.New("unknown permission state: " + s)
}

// Status is the per-screen scheduling status shown on the trigger button.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusFired   Status = "fired"
)

type Importance string

const (
	ImportanceMin     Importance = "min"
	ImportanceLow     Importance = "low"
	ImportanceDefault Importance = "default"
	ImportanceHigh    Importance = "high"
	ImportanceMax     Importance = "max"
)

const DefaultChannelID = "default"

type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Importance Importance `json:"importance"`
}

// PresentationPolicy decides how a delivered notification is shown while
// the process is in the foreground.
type PresentationPolicy struct {
	ShowAlert bool `json:"show_alert"`
	PlaySound bool `json:"play_sound"`
	SetBadge  bool `json:"set_badge"`
}

type ScheduleRequest struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Delay     time.Duration     `json:"delay"`
	Sound     bool              `json:"sound"`
	ChannelID string            `json:"channel_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// ErrPermissionDenied is returned wherever an operation needs a granted
// notification permission and does not have one.
var ErrPermissionDenied = errors.New("notification permission not granted")

var (
	ErrEmptyTitle    = errors.New("notification title is required")
	ErrNegativeDelay = errors.New("notification delay must not be negative")
)

func (r ScheduleRequest) Validate() error {
	if r.Title == "" {
		return ErrEmptyTitle
	}
	if r.Delay < 0 {
		return ErrNegativeDelay
	}
	return nil
}

// Handle identifies a notification registered with the host.
type Handle struct {
	ID    string    `json:"id"`
	DueAt time.Time `json:"due_at"`
}

type DeliveryState string

const (
	StateScheduled DeliveryState = "scheduled"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Notification is the host-owned record of a scheduled notification.
type Notification struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Sound         bool              `json:"sound"`
	ChannelID     string            `json:"channel_id"`
	Data          map[string]string `json:"data,omitempty"`
	DueAt         time.Time         `json:"due_at"`
	State         DeliveryState     `json:"state"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	DeliveredAt   time.Time         `json:"delivered_at"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (n *Notification) Finished() bool {
	return n.State == StateDelivered || n.State == StateFailed
}

// HostState is the persisted document of the json store.
type HostState struct {
	Permission    PermissionState `json:"permission"`
	Channels      []Channel       `json:"channels"`
	Notifications []*Notification `json:"notifications"`
}
