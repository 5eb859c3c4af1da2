package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/mail"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
)

// Assistant produces or rewrites draft text. Output is a proposal only and
// may differ between identical calls.
type Assistant interface {
	Generate(ctx context.Context, userID, prompt, style string) (string, error)
	Improve(ctx context.Context, userID, draft, style string) (string, error)
}

// Submission is everything the user decided before finalizing.
type Submission struct {
	SenderID        string
	RecipientHandle string
	Subject         string
	Body            string
	IsAIGenerated   bool
	DeliveryMode    model.DeliveryMode
	ScheduledAt     *time.Time
	// ScheduleActive defaults to true when nil.
	ScheduleActive *bool
}

// Options tunes a Session.
type Options struct {
	// From is the envelope sender for immediate deliveries.
	From string

	AssistTimeout time.Duration
	SendTimeout   time.Duration
}

// Session turns user input into a delivered message or a durably stored
// pending one. It holds no per-user state: every call names its user.
type Session struct {
	store  store.Store
	assist Assistant
	sender mail.Sender
	clock  clock.Clock
	opts   Options
	log    zerolog.Logger
}

// NewSession creates a composition session. assist may be nil, in which
// case generate/improve report ErrAssistUnavailable.
func NewSession(
	s store.Store,
	assist Assistant,
	sender mail.Sender,
	clk clock.Clock,
	opts Options,
	log zerolog.Logger,
) *Session {
	if opts.AssistTimeout <= 0 {
		opts.AssistTimeout = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Session{
		store:  s,
		assist: assist,
		sender: sender,
		clock:  clk,
		opts:   opts,
		log:    log,
	}
}

// GenerateDraft asks the assistant for a body written from prompt. An
// empty style selects the user's preferred style. Nothing is stored.
func (s *Session) GenerateDraft(ctx context.Context, prompt, style, userID string) (string, error) {
	style, err := s.resolveStyle(ctx, userID, style)
	if err != nil {
		return "", err
	}
	if s.assist == nil {
		return "", ErrAssistUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AssistTimeout)
	defer cancel()

	text, err := s.assist.Generate(ctx, userID, prompt, style)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("draft generation failed")
		return "", fmt.Errorf("%w: %w", ErrAssistUnavailable, err)
	}
	return text, nil
}

// ImproveDraft asks the assistant to rewrite body. Nothing is stored.
func (s *Session) ImproveDraft(ctx context.Context, body, style, userID string) (string, error) {
	style, err := s.resolveStyle(ctx, userID, style)
	if err != nil {
		return "", err
	}
	if s.assist == nil {
		return "", ErrAssistUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AssistTimeout)
	defer cancel()

	text, err := s.assist.Improve(ctx, userID, body, style)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("draft improvement failed")
		return "", fmt.Errorf("%w: %w", ErrAssistUnavailable, err)
	}
	return text, nil
}

// resolveStyle falls back to the user's preferred style for "".
func (s *Session) resolveStyle(ctx context.Context, userID, style string) (string, error) {
	if style == "" {
		prefs, err := s.store.GetPreferences(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("loading preferences: %w", err)
		}
		style = prefs.WritingStyle
	}
	if !model.ValidStyle(style) {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownStyle, style)
	}
	return style, nil
}

// Finalize validates sub, stores the message, and for immediate delivery
// sends it synchronously. The record is written before any delivery
// attempt. Validation errors return a nil message and store nothing; a
// failed immediate send returns the stored failed message together with a
// *DeliveryError.
func (s *Session) Finalize(ctx context.Context, sub Submission) (*model.Message, error) {
	if !sub.DeliveryMode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, sub.DeliveryMode)
	}
	if strings.TrimSpace(sub.Body) == "" {
		return nil, ErrEmptyBody
	}

	recipient, err := s.resolveRecipient(ctx, sub.RecipientHandle, sub.SenderID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	msg := model.Message{
		ID:               uuid.New().String(),
		SenderID:         sub.SenderID,
		RecipientID:      recipient.ID,
		RecipientAddress: recipient.Email,
		Subject:          strings.TrimSpace(sub.Subject),
		Body:             sub.Body,
		IsAIGenerated:    sub.IsAIGenerated,
		DeliveryMode:     sub.DeliveryMode,
		Status:           model.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	switch sub.DeliveryMode {
	case model.DeliveryScheduled:
		if err := model.ValidateSchedule(sub.ScheduledAt, now); err != nil {
			return nil, err
		}
		at := sub.ScheduledAt.UTC()
		msg.ScheduledAt = &at
		msg.ScheduleActive = sub.ScheduleActive == nil || *sub.ScheduleActive
	case model.DeliveryImmediate:
		if sub.ScheduledAt != nil {
			return nil, fmt.Errorf("%w: immediate delivery takes no scheduled time",
				model.ErrInvalidSchedule)
		}
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	logger := s.log.With().
		Str("message_id", msg.ID).
		Str("sender_id", msg.SenderID).
		Str("delivery_mode", string(msg.DeliveryMode)).
		Logger()

	if msg.DeliveryMode == model.DeliveryScheduled {
		logger.Info().Time("scheduled_at", *msg.ScheduledAt).
			Bool("active", msg.ScheduleActive).Msg("message scheduled")
		return &msg, nil
	}

	return s.deliverNow(ctx, &msg, logger)
}

// deliverNow runs the immediate path: one send attempt, then the pending
// row is resolved to sent or failed. Failed immediate sends are not retried.
func (s *Session) deliverNow(
	ctx context.Context,
	msg *model.Message,
	logger zerolog.Logger,
) (*model.Message, error) {
	sender, err := s.store.GetUserByID(ctx, msg.SenderID)
	if err != nil {
		logger.Debug().Err(err).Msg("sender lookup failed, sending without reply-to")
		sender = nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	env := mail.NewEnvelope(msg, s.opts.From, sender, s.clock.Now())
	sendErr := s.sender.Send(sendCtx, env)
	cancel()

	// Record the outcome even if the caller's context is gone.
	recordCtx := context.WithoutCancel(ctx)
	reason := ""
	if sendErr != nil {
		reason = sendErr.Error()
	}
	if err := s.store.CompleteImmediate(recordCtx, msg.ID, sendErr == nil, reason, s.clock.Now()); err != nil {
		if sendErr == nil {
			logger.Error().Err(err).Msg("message delivered but not recorded")
		}
		return nil, fmt.Errorf("recording delivery of %s: %w", msg.ID, err)
	}

	stored, err := s.store.GetMessageByID(recordCtx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading message %s: %w", msg.ID, err)
	}

	if sendErr != nil {
		logger.Warn().Err(sendErr).Msg("immediate delivery failed")
		return stored, &DeliveryError{MessageID: msg.ID, Err: sendErr}
	}

	logger.Info().Msg("message sent")
	return stored, nil
}

// resolveRecipient maps handle to exactly one account other than the sender.
func (s *Session) resolveRecipient(ctx context.Context, handle, senderID string) (*model.User, error) {
	handle = strings.TrimSpace(handle)

	users, err := s.store.FindUsersByHandle(ctx, handle, senderID)
	if err != nil {
		return nil, fmt.Errorf("resolving recipient: %w", err)
	}

	switch len(users) {
	case 1:
		return &users[0], nil
	case 0:
		return nil, &RecipientNotFoundError{
			Handle:      handle,
			Suggestions: s.suggestions(ctx, senderID),
		}
	default:
		return nil, fmt.Errorf("%w: %q matches %d accounts", ErrAmbiguousRecipient, handle, len(users))
	}
}

// suggestions lists the handles the sender may address.
func (s *Session) suggestions(ctx context.Context, senderID string) []string {
	users, err := s.store.ListUsers(ctx, senderID)
	if err != nil {
		s.log.Debug().Err(err).Msg("listing recipient suggestions failed")
		return nil
	}
	handles := make([]string, 0, len(users))
	for _, u := range users {
		handles = append(handles, u.Handle())
	}
	return handles
}

// IsAssistUnavailable reports whether err came from the writing assistant.
func IsAssistUnavailable(err error) bool {
	return errors.Is(err, ErrAssistUnavailable)
}
