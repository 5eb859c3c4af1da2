package compose_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/compose"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
	"github.com/nhle/mailscheduler/tests/testutil"
)

type fixture struct {
	store   *store.SQLiteStore
	sender  *testutil.StubSender
	assist  *testutil.StubAssistant
	clock   *clock.Fake
	session *compose.Session
	alice   *model.User
	bob     *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  testutil.NewTestStore(t),
		sender: testutil.NewStubSender(),
		assist: &testutil.StubAssistant{},
		clock:  clock.NewFake(testutil.Epoch),
	}
	f.alice = testutil.CreateUser(t, f.store, "alice")
	f.bob = testutil.CreateUser(t, f.store, "bob")
	f.session = compose.NewSession(f.store, f.assist, f.sender, f.clock,
		compose.Options{From: "noreply@example.com"}, zerolog.Nop())
	return f
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{})
	require.NoError(t, err)
	return len(msgs)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestFinalizeImmediateSends(t *testing.T) {
	f := newFixture(t)

	msg, err := f.session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "BOB",
		Subject:         "Lunch",
		Body:            "Noon tomorrow?",
		DeliveryMode:    model.DeliveryImmediate,
	})
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, model.StatusSent, msg.Status)
	require.NotNil(t, msg.SentAt)
	assert.True(t, msg.SentAt.Equal(testutil.Epoch))
	assert.Equal(t, f.bob.ID, msg.RecipientID)
	assert.False(t, msg.IsScheduled())

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob@example.com", sent[0].To)
	assert.Equal(t, "alice@example.com", sent[0].ReplyTo)
	assert.Equal(t, "Lunch", sent[0].Subject)
	assert.Contains(t, sent[0].MessageID, msg.ID)
}

func TestFinalizeImmediateDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.FailAll(testutil.ErrSendRejected)

	msg, err := f.session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "bob",
		Body:            "Hello",
		DeliveryMode:    model.DeliveryImmediate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, compose.ErrDeliveryFailed)
	assert.ErrorIs(t, err, testutil.ErrSendRejected)

	var delivery *compose.DeliveryError
	require.True(t, errors.As(err, &delivery))

	require.NotNil(t, msg)
	assert.Equal(t, delivery.MessageID, msg.ID)
	assert.Equal(t, model.StatusFailed, msg.Status)
	assert.Nil(t, msg.SentAt)
	assert.Equal(t, 1, f.count(t))
	assert.False(t, compose.IsUserCorrectable(err))
}

// unrecordedStore cannot record the outcome of an immediate send.
type unrecordedStore struct {
	store.Store
}

var errDiskFull = errors.New("database or disk is full")

func (unrecordedStore) CompleteImmediate(context.Context, string, bool, string, time.Time) error {
	return errDiskFull
}

func TestFinalizeImmediateDeliveredButNotRecorded(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	session := compose.NewSession(unrecordedStore{f.store}, f.assist, f.sender, f.clock,
		compose.Options{From: "noreply@example.com"}, zerolog.New(&logs))

	msg, err := session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "bob",
		Body:            "Hello",
		DeliveryMode:    model.DeliveryImmediate,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Nil(t, msg)
	assert.Equal(t, 1, f.sender.SentCount())

	stored, err := f.store.ListMessages(context.Background(), store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	out := logs.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "message delivered but not recorded")
	assert.Contains(t, out, stored[0].ID)
}

func TestFinalizeScheduled(t *testing.T) {
	f := newFixture(t)
	at := testutil.Epoch.Add(30 * time.Minute)

	msg, err := f.session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "bob@example.com",
		Body:            "Reminder",
		DeliveryMode:    model.DeliveryScheduled,
		ScheduledAt:     &at,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, msg.Status)
	assert.True(t, msg.ScheduleActive)
	require.NotNil(t, msg.ScheduledAt)
	assert.True(t, msg.ScheduledAt.Equal(at))
	assert.Zero(t, f.sender.Attempts())

	stored := testutil.MustGetMessage(t, f.store, msg.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Nil(t, stored.SentAt)
}

func TestFinalizeScheduledInactive(t *testing.T) {
	f := newFixture(t)
	inactive := false

	msg, err := f.session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "bob",
		Body:            "Later",
		DeliveryMode:    model.DeliveryScheduled,
		ScheduledAt:     timePtr(testutil.Epoch.Add(time.Hour)),
		ScheduleActive:  &inactive,
	})
	require.NoError(t, err)
	assert.False(t, msg.ScheduleActive)
}

func TestFinalizeRejectsWithoutPersisting(t *testing.T) {
	tests := []struct {
		name    string
		sub     func(f *fixture) compose.Submission
		wantErr error
	}{
		{
			name: "schedule in the past",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "x",
					DeliveryMode: model.DeliveryScheduled,
					ScheduledAt:  timePtr(testutil.Epoch.Add(-time.Minute)),
				}
			},
			wantErr: model.ErrInvalidSchedule,
		},
		{
			name: "schedule equal to now",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "x",
					DeliveryMode: model.DeliveryScheduled,
					ScheduledAt:  timePtr(testutil.Epoch),
				}
			},
			wantErr: model.ErrInvalidSchedule,
		},
		{
			name: "schedule missing",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "x",
					DeliveryMode: model.DeliveryScheduled,
				}
			},
			wantErr: model.ErrInvalidSchedule,
		},
		{
			name: "immediate with a time",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "x",
					DeliveryMode: model.DeliveryImmediate,
					ScheduledAt:  timePtr(testutil.Epoch.Add(time.Hour)),
				}
			},
			wantErr: model.ErrInvalidSchedule,
		},
		{
			name: "unknown recipient",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "carol", Body: "x",
					DeliveryMode: model.DeliveryImmediate,
				}
			},
			wantErr: compose.ErrRecipientNotFound,
		},
		{
			name: "sender as recipient",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "alice", Body: "x",
					DeliveryMode: model.DeliveryImmediate,
				}
			},
			wantErr: compose.ErrRecipientNotFound,
		},
		{
			name: "empty body",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "  \n",
					DeliveryMode: model.DeliveryImmediate,
				}
			},
			wantErr: compose.ErrEmptyBody,
		},
		{
			name: "unknown delivery mode",
			sub: func(f *fixture) compose.Submission {
				return compose.Submission{
					SenderID: f.alice.ID, RecipientHandle: "bob", Body: "x",
					DeliveryMode: "carrier-pigeon",
				}
			},
			wantErr: compose.ErrInvalidDeliveryMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			msg, err := f.session.Finalize(context.Background(), tt.sub(f))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, compose.IsUserCorrectable(err))

			assert.Zero(t, f.count(t))
			assert.Zero(t, f.sender.Attempts())
		})
	}
}

func TestFinalizeRecipientSuggestions(t *testing.T) {
	f := newFixture(t)
	testutil.CreateUser(t, f.store, "carol")

	_, err := f.session.Finalize(context.Background(), compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "dave",
		Body:            "x",
		DeliveryMode:    model.DeliveryImmediate,
	})

	var notFound *compose.RecipientNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "dave", notFound.Handle)
	assert.Equal(t, []string{
		"bob (bob@example.com)",
		"carol (carol@example.com)",
	}, notFound.Suggestions)
	assert.Contains(t, err.Error(), "Available users")
}

func TestFinalizeAmbiguousRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateUser(ctx, model.User{Username: "dave@example.com", Email: "d1@example.com"})
	require.NoError(t, err)
	_, err = f.store.CreateUser(ctx, model.User{Username: "dave", Email: "dave@example.com"})
	require.NoError(t, err)

	msg, err := f.session.Finalize(ctx, compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "dave@example.com",
		Body:            "x",
		DeliveryMode:    model.DeliveryImmediate,
	})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, compose.ErrAmbiguousRecipient)
	assert.Zero(t, f.count(t))
}

func TestGenerateDraftUsesPreferredStyle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetPreferences(ctx, model.Preferences{
		UserID: f.alice.ID, WritingStyle: model.StyleFriendly,
	}))

	body, err := f.session.GenerateDraft(ctx, "invite bob to lunch", "", f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "[friendly generate] invite bob to lunch", body)

	body, err = f.session.ImproveDraft(ctx, "lunch?", model.StyleFormal, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "[formal improve] lunch?", body)

	calls := f.assist.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, f.alice.ID, calls[0].UserID)

	// Drafting never stores anything.
	assert.Zero(t, f.count(t))
}

func TestGenerateDraftRejectsUnknownStyle(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.GenerateDraft(context.Background(), "x", "poetic", f.alice.ID)
	assert.ErrorIs(t, err, model.ErrUnknownStyle)
	assert.Empty(t, f.assist.Calls())
}

func TestAssistUnavailable(t *testing.T) {
	f := newFixture(t)
	f.assist.Err = errors.New("503 overloaded")
	ctx := context.Background()

	_, err := f.session.GenerateDraft(ctx, "x", "", f.alice.ID)
	assert.ErrorIs(t, err, compose.ErrAssistUnavailable)
	assert.True(t, compose.IsAssistUnavailable(err))

	_, err = f.session.ImproveDraft(ctx, "x", "", f.alice.ID)
	assert.ErrorIs(t, err, compose.ErrAssistUnavailable)

	// Manual composition still works.
	msg, err := f.session.Finalize(ctx, compose.Submission{
		SenderID:        f.alice.ID,
		RecipientHandle: "bob",
		Body:            "written by hand",
		DeliveryMode:    model.DeliveryImmediate,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.False(t, msg.IsAIGenerated)
}

func TestNilAssistant(t *testing.T) {
	f := newFixture(t)
	session := compose.NewSession(f.store, nil, f.sender, f.clock, compose.Options{}, zerolog.Nop())

	_, err := session.GenerateDraft(context.Background(), "x", "", f.alice.ID)
	assert.ErrorIs(t, err, compose.ErrAssistUnavailable)
}
