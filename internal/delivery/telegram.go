package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/noahxzhu/local-notify/internal/model"
)

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Telegram struct {
	bot    sender
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram: token and chat_id are required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(msg.Title), html.EscapeString(msg.Body))
	opts := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: !msg.Sound || msg.Importance == model.ImportanceLow || msg.Importance == model.ImportanceMin,
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, opts)
	return err
}
