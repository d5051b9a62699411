package scheduler

import (
	"errors"
	"fmt"

	"github.com/noahxzhu/local-notify/internal/model"
)

var (
	ErrPermissionDenied = model.ErrPermissionDenied
	ErrBusy             = errors.New("a notification is already pending")
	ErrClosed           = errors.New("scheduler closed")
	ErrUnsupported      = errors.New("operation not supported by scheduler variant")
)

const (
	MsgPermissionRequired = "Please enable notifications in Settings"
	MsgSchedulingFailed   = "Failed to schedule notification. Please try again."
)

// SchedulingError reports that the host rejected a request. The attempt is
// over; the user may trigger again.
type SchedulingError struct {
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule notification: %v", e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// UserMessage maps err to the alert text shown to the user, or "" when
// there is nothing to show.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return MsgPermissionRequired
	case errors.Is(err, ErrBusy), errors.Is(err, ErrClosed), errors.Is(err, ErrUnsupported):
		return ""
	default:
		return MsgSchedulingFailed
	}
}
