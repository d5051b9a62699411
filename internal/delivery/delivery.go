// Package delivery puts a notification in front of the user through one of
// the supported channels: Pushover, Telegram, the desktop notification
// daemon, or the log.
package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/model"
)

type Message struct {
	Title      string
	Body       string
	Sound      bool
	Importance model.Importance
	Data       map[string]string
}

type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

type Config struct {
	Driver   string
	Pushover PushoverConfig
	Telegram TelegramConfig
}

type PushoverConfig struct {
	Token    string
	User     string
	Endpoint string
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

func New(cfg Config, log zerolog.Logger) (Deliverer, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLog(log), nil
	case "pushover":
		if cfg.Pushover.Token == "" || cfg.Pushover.User == "" {
			return nil, fmt.Errorf("pushover: token and user are required")
		}
		return NewPushover(cfg.Pushover.Token, cfg.Pushover.User, cfg.Pushover.Endpoint), nil
	case "telegram":
		return NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	case "desktop":
		return NewDesktop(), nil
	default:
		return nil, fmt.Errorf("unknown delivery driver: %s", cfg.Driver)
	}
}

// Log writes notifications to the structured log instead of a device.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log { return &Log{log: log} }

func (l *Log) Name() string { return "log" }

func (l *Log) Deliver(_ context.Context, msg Message) error {
	l.log.Info().
		Str("title", msg.Title).
		Str("body", msg.Body).
		Bool("sound", msg.Sound).
		Str("importance", string(msg.Importance)).
		Msg("notification delivered")
	return nil
}
