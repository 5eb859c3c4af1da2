package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailscheduler/internal/model"
)

var (
	// ErrNotFound is returned when no row matches the requested identity
	// (and owner, where one is given).
	ErrNotFound = errors.New("not found")

	// ErrClaimConflict means another worker claimed the message first, or
	// it is no longer due. The loser does nothing further with it.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrClaimLost means the caller's claim was released (by stale-claim
	// recovery or deletion) before it could be resolved.
	ErrClaimLost = errors.New("claim lost")

	// ErrNotEditable is returned when a schedule edit targets a message
	// that is not a pending scheduled message.
	ErrNotEditable = errors.New("message schedule is not editable")

	// ErrStateConflict is returned when a conditional transition finds the
	// message in an unexpected state.
	ErrStateConflict = errors.New("message state conflict")
)

// MessageFilter controls filtering, sorting, and pagination for message
// queries. Nil or empty fields do not filter.
type MessageFilter struct {
	SenderID     *string
	RecipientID  *string
	Statuses     []model.MessageStatus
	DeliveryMode *model.DeliveryMode
	DueBefore    *time.Time // scheduled_at <= DueBefore
	ActiveOnly   bool       // schedule_active = 1
	SortBy       string     // "created_at", "scheduled_at", "sent_at", "outbox"
	SortDesc     bool
	Limit        int
	Offset       int
}

// MessageStore is the durable record of every message and its lifecycle
// state. Every mutation is a single-row conditional update keyed by
// message id plus an expected prior state.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg model.Message) error
	GetMessageByID(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Message, error)

	// CompleteImmediate resolves the synchronous delivery attempt of an
	// immediate message: pending -> sent, or pending -> failed.
	CompleteImmediate(ctx context.Context, id string, delivered bool, reason string, now time.Time) error

	// ClaimMessage moves a due message from pending to dispatching under
	// token. Exactly one concurrent caller succeeds; the rest get
	// ErrClaimConflict.
	ClaimMessage(ctx context.Context, id, token string, now time.Time) error

	// MarkSent resolves a claim as delivered.
	MarkSent(ctx context.Context, id, token string, now time.Time) error

	// ReleaseClaim resolves a claim as a failed attempt. The message goes
	// back to pending, or to failed once maxAttempts consecutive attempts
	// have failed. The resulting status is returned.
	ReleaseClaim(ctx context.Context, id, token, reason string, maxAttempts int, now time.Time) (model.MessageStatus, error)

	// ReleaseStaleClaims resolves claims taken before olderThan as failed
	// attempts, with the same ceiling as ReleaseClaim. It reports how many
	// claims were released and how many of them became failed.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time, maxAttempts int, now time.Time) (released, failed int64, err error)

	UpdateSchedule(ctx context.Context, id, ownerID string, at time.Time, active bool, now time.Time) error
	DeleteMessage(ctx context.Context, id, ownerID string) error
	DeleteMessages(ctx context.Context, ids []string, ownerID string) (int64, error)
}

// Directory resolves recipients and holds per-user settings.
type Directory interface {
	CreateUser(ctx context.Context, user model.User) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// FindUsersByHandle matches handle case-insensitively against username
	// or email, skipping excludeID.
	FindUsersByHandle(ctx context.Context, handle, excludeID string) ([]model.User, error)
	ListUsers(ctx context.Context, excludeID string) ([]model.User, error)

	GetPreferences(ctx context.Context, userID string) (*model.Preferences, error)
	SetPreferences(ctx context.Context, prefs model.Preferences) error
}

// Store combines the message store and the user directory.
type Store interface {
	MessageStore
	Directory
	Close() error
}
