package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
)

// Epoch is the fixed start time used by fake clocks in tests.
var Epoch = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return openStore(t, ":memory:")
}

// NewFileStore creates a SQLiteStore backed by a file in a temporary
// directory, for tests that need several pooled connections.
func NewFileStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return openStore(t, filepath.Join(t.TempDir(), "mailscheduler.db"))
}

func openStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CreateUser adds a user named username with address username@example.com.
func CreateUser(t *testing.T, s store.Directory, username string) *model.User {
	t.Helper()

	u, err := s.CreateUser(context.Background(), model.User{
		Username: username,
		Email:    username + "@example.com",
	})
	if err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
	return u
}

// ScheduledMessage returns an unsaved, active, pending scheduled message
// from sender to recipient due at at.
func ScheduledMessage(sender, recipient *model.User, at time.Time) model.Message {
	msg := newMessage(sender, recipient)
	msg.DeliveryMode = model.DeliveryScheduled
	at = at.UTC()
	msg.ScheduledAt = &at
	msg.ScheduleActive = true
	return msg
}

// ImmediateMessage returns an unsaved pending immediate message.
func ImmediateMessage(sender, recipient *model.User) model.Message {
	msg := newMessage(sender, recipient)
	msg.DeliveryMode = model.DeliveryImmediate
	return msg
}

func newMessage(sender, recipient *model.User) model.Message {
	return model.Message{
		ID:               uuid.New().String(),
		SenderID:         sender.ID,
		RecipientID:      recipient.ID,
		RecipientAddress: recipient.Email,
		Subject:          "Status update",
		Body:             "Everything is on track.",
		Status:           model.StatusPending,
		CreatedAt:        Epoch,
		UpdatedAt:        Epoch,
	}
}

// InsertMessage stores msg and fails the test on error.
func InsertMessage(t *testing.T, s store.MessageStore, msg model.Message) model.Message {
	t.Helper()

	if err := s.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	return msg
}

// MustGetMessage loads a message and fails the test on error.
func MustGetMessage(t *testing.T, s store.MessageStore, id string) *model.Message {
	t.Helper()

	msg, err := s.GetMessageByID(context.Background(), id)
	if err != nil {
		t.Fatalf("getting message %s: %v", id, err)
	}
	return msg
}
