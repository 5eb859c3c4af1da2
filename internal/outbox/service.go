// Package outbox provides the user-facing views over stored messages and
// the operations a sender may perform on their own mail.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
)

// View selects one of the sender-side projections.
type View string

const (
	ViewOutbox    View = "outbox"
	ViewScheduled View = "scheduled"
	ViewSent      View = "sent"
	ViewFailed    View = "failed"
	ViewReceived  View = "received"
)

// Views lists the projections in tab order.
var Views = []View{ViewOutbox, ViewScheduled, ViewSent, ViewFailed, ViewReceived}

// Service reads and edits a user's messages.
type Service struct {
	store store.MessageStore
	clock clock.Clock
	log   zerolog.Logger
}

// New creates an outbox service.
func New(s store.MessageStore, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{store: s, clock: clk, log: log}
}

// EditSchedule changes the scheduled time and active flag of a pending
// scheduled message. at must be strictly in the future. Editing a message
// that was sent, failed, is being dispatched, or is immediate returns
// store.ErrNotEditable.
func (s *Service) EditSchedule(
	ctx context.Context,
	ownerID, id string,
	at time.Time,
	active bool,
) (*model.Message, error) {
	now := s.clock.Now()
	if err := model.ValidateSchedule(&at, now); err != nil {
		return nil, err
	}

	if err := s.store.UpdateSchedule(ctx, id, ownerID, at, active, now); err != nil {
		return nil, err
	}

	s.log.Info().Str("message_id", id).Time("scheduled_at", at.UTC()).
		Bool("active", active).Msg("schedule updated")

	return s.store.GetMessageByID(ctx, id)
}

// SetActive pauses or resumes a scheduled message, keeping its time. A
// resumed message whose time has already passed goes out on the next
// sweep.
func (s *Service) SetActive(ctx context.Context, ownerID, id string, active bool) (*model.Message, error) {
	msg, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !msg.ScheduleEditable() {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotEditable)
	}

	if err := s.store.UpdateSchedule(ctx, id, ownerID, *msg.ScheduledAt, active, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.store.GetMessageByID(ctx, id)
}

// Get returns a message visible to userID as sender or recipient.
func (s *Service) Get(ctx context.Context, userID, id string) (*model.Message, error) {
	msg, err := s.store.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID && msg.RecipientID != userID {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return msg, nil
}

// List returns the messages of the given projection for userID.
func (s *Service) List(ctx context.Context, userID string, view View) ([]model.Message, error) {
	switch view {
	case ViewOutbox, "":
		return s.Outbox(ctx, userID)
	case ViewScheduled:
		return s.ListScheduled(ctx, userID)
	case ViewSent:
		return s.ListSent(ctx, userID)
	case ViewFailed:
		return s.ListFailed(ctx, userID)
	case ViewReceived:
		return s.ListReceived(ctx, userID)
	default:
		return nil, fmt.Errorf("unknown view %q", view)
	}
}

// Outbox lists everything userID sent or will send: unsent scheduled mail
// first, then newest first.
func (s *Service) Outbox(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, store.MessageFilter{
		SenderID: &userID,
		SortBy:   "outbox",
	})
}

// ListPending lists messages not yet delivered or failed, including ones
// currently being dispatched.
func (s *Service) ListPending(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, store.MessageFilter{
		SenderID: &userID,
		Statuses: []model.MessageStatus{model.StatusPending, model.StatusDispatching},
		SortBy:   "created_at",
		SortDesc: true,
	})
}

// ListScheduled lists pending scheduled messages, soonest first.
func (s *Service) ListScheduled(ctx context.Context, userID string) ([]model.Message, error) {
	mode := model.DeliveryScheduled
	return s.store.ListMessages(ctx, store.MessageFilter{
		SenderID:     &userID,
		DeliveryMode: &mode,
		Statuses:     []model.MessageStatus{model.StatusPending, model.StatusDispatching},
		SortBy:       "scheduled_at",
	})
}

// ListSent lists delivered messages, most recent first.
func (s *Service) ListSent(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, store.MessageFilter{
		SenderID: &userID,
		Statuses: []model.MessageStatus{model.StatusSent},
		SortBy:   "sent_at",
		SortDesc: true,
	})
}

// ListFailed lists messages that will not be delivered.
func (s *Service) ListFailed(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, store.MessageFilter{
		SenderID: &userID,
		Statuses: []model.MessageStatus{model.StatusFailed},
		SortBy:   "created_at",
		SortDesc: true,
	})
}

// ListReceived lists messages delivered to userID.
func (s *Service) ListReceived(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, store.MessageFilter{
		RecipientID: &userID,
		Statuses:    []model.MessageStatus{model.StatusSent},
		SortBy:      "sent_at",
		SortDesc:    true,
	})
}

// Delete removes one of ownerID's messages.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteMessage(ctx, id, ownerID); err != nil {
		return err
	}
	s.log.Info().Str("message_id", id).Msg("message deleted")
	return nil
}

// DeleteMany removes the listed messages owned by ownerID. Ids that do not
// exist or belong to someone else are skipped.
func (s *Service) DeleteMany(ctx context.Context, ownerID string, ids []string) (int64, error) {
	n, err := s.store.DeleteMessages(ctx, ids, ownerID)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("count", n).Msg("messages deleted")
	return n, nil
}

func (s *Service) owned(ctx context.Context, ownerID, id string) (*model.Message, error) {
	msg, err := s.store.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != ownerID {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return msg, nil
}
