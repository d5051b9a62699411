package delivery

import (
	"context"

	"github.com/gen2brain/beeep"
)

// Desktop shows the notification through the OS notification center.
type Desktop struct {
	notify func(title, message string) error
	alert  func(title, message string) error
}

func NewDesktop() *Desktop {
	return &Desktop{
		notify: func(title, message string) error { return beeep.Notify(title, message, "") },
		alert:  func(title, message string) error { return beeep.Alert(title, message, "") },
	}
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Sound {
		return d.alert(msg.Title, msg.Body)
	}
	return d.notify(msg.Title, msg.Body)
}
