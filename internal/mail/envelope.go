package mail

import (
	"time"

	"github.com/nhle/mailscheduler/internal/model"
)

// NewEnvelope builds the outgoing envelope for a stored message. sender
// may be nil, in which case no Reply-To is set.
func NewEnvelope(msg *model.Message, from string, sender *model.User, date time.Time) Envelope {
	env := Envelope{
		MessageID: MessageIDFor(msg.ID, from),
		To:        msg.RecipientAddress,
		Subject:   msg.Subject,
		TextBody:  msg.Body,
		HTMLBody:  RenderHTML(msg.Body),
		Date:      date,
	}
	if sender != nil {
		env.ReplyTo = sender.Email
	}
	return env
}
