package model

import (
	"errors"
	"time"
)

// DeliveryMode selects how a finalized message reaches its recipient.
type DeliveryMode string

const (
	DeliveryImmediate DeliveryMode = "immediate"
	DeliveryScheduled DeliveryMode = "scheduled"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliveryImmediate || m == DeliveryScheduled
}

// MessageStatus is the lifecycle state of a stored message.
type MessageStatus string

const (
	// StatusPending covers both "not yet due" and "not yet attempted".
	StatusPending MessageStatus = "pending"

	// StatusDispatching marks a scheduled message claimed by a dispatch
	// worker. Projections report it as pending.
	StatusDispatching MessageStatus = "dispatching"

	StatusSent   MessageStatus = "sent"
	StatusFailed MessageStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// ErrInvalidSchedule is returned when a scheduled time is missing or not
// strictly in the future.
var ErrInvalidSchedule = errors.New("scheduled time must be in the future")

// Message is a composed mail item and its delivery lifecycle.
type Message struct {
	ID               string        `json:"id" db:"id"`
	SenderID         string        `json:"sender_id" db:"sender_id"`
	RecipientID      string        `json:"recipient_id" db:"recipient_id"`
	RecipientAddress string        `json:"recipient_address" db:"recipient_address"`
	Subject          string        `json:"subject" db:"subject"`
	Body             string        `json:"body" db:"body"`
	IsAIGenerated    bool          `json:"is_ai_generated" db:"is_ai_generated"`
	DeliveryMode     DeliveryMode  `json:"delivery_mode" db:"delivery_mode"`
	ScheduledAt      *time.Time    `json:"scheduled_at,omitempty" db:"scheduled_at"`
	ScheduleActive   bool          `json:"schedule_active" db:"schedule_active"`
	Status           MessageStatus `json:"status" db:"status"`
	ClaimToken       *string       `json:"-" db:"claim_token"`
	ClaimedAt        *time.Time    `json:"-" db:"claimed_at"`
	FailedAttempts   int           `json:"failed_attempts" db:"failed_attempts"`
	LastError        string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	SentAt           *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// IsScheduled reports whether the message uses deferred delivery.
func (m *Message) IsScheduled() bool {
	return m.DeliveryMode == DeliveryScheduled
}

// IsSent reports whether the message has been delivered.
func (m *Message) IsSent() bool {
	return m.Status == StatusSent
}

// IsDue reports whether a dispatch sweep running at now may claim m.
func (m *Message) IsDue(now time.Time) bool {
	return m.IsScheduled() &&
		m.ScheduleActive &&
		m.Status == StatusPending &&
		m.ScheduledAt != nil &&
		!m.ScheduledAt.After(now)
}

// ScheduleEditable reports whether the owner may still change the schedule.
func (m *Message) ScheduleEditable() bool {
	return m.IsScheduled() && m.Status == StatusPending && m.SentAt == nil
}

// DisplayStatus folds the in-flight marker into pending for presentation.
func (m *Message) DisplayStatus() MessageStatus {
	if m.Status == StatusDispatching {
		return StatusPending
	}
	return m.Status
}

// ValidateSchedule checks that at is present and strictly after now.
func ValidateSchedule(at *time.Time, now time.Time) error {
	if at == nil || !at.After(now) {
		return ErrInvalidSchedule
	}
	return nil
}
