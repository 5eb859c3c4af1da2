package compose

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/mailscheduler/internal/model"
)

var (
	// ErrRecipientNotFound means the handle matched no other account.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrAmbiguousRecipient means the handle matched more than one account.
	ErrAmbiguousRecipient = errors.New("recipient handle is ambiguous")

	// ErrAssistUnavailable wraps any failure of the writing assistant.
	// Manual composition is never blocked by it.
	ErrAssistUnavailable = errors.New("writing assistant unavailable")

	// ErrDeliveryFailed means an immediate send failed after the message
	// was stored; the stored message is marked failed.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrEmptyBody rejects a submission with a blank body.
	ErrEmptyBody = errors.New("message body must not be empty")

	// ErrInvalidDeliveryMode rejects an unknown delivery mode.
	ErrInvalidDeliveryMode = errors.New("invalid delivery mode")
)

// RecipientNotFoundError carries the handles the sender could have meant.
type RecipientNotFoundError struct {
	Handle      string
	Suggestions []string
}

func (e *RecipientNotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("recipient %q not found", e.Handle)
	}
	return fmt.Sprintf("recipient %q not found. Available users: %s",
		e.Handle, strings.Join(e.Suggestions, ", "))
}

func (e *RecipientNotFoundError) Unwrap() error { return ErrRecipientNotFound }

// DeliveryError reports a failed immediate send of a stored message.
type DeliveryError struct {
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering message %s: %v", e.MessageID, e.Err)
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsUserCorrectable reports whether err is a composition-time error the
// user can fix by editing the submission.
func IsUserCorrectable(err error) bool {
	return errors.Is(err, ErrRecipientNotFound) ||
		errors.Is(err, ErrAmbiguousRecipient) ||
		errors.Is(err, ErrEmptyBody) ||
		errors.Is(err, ErrInvalidDeliveryMode) ||
		errors.Is(err, model.ErrInvalidSchedule) ||
		errors.Is(err, model.ErrUnknownStyle)
}
