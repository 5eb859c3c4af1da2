package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/dispatch"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/outbox"
	"github.com/nhle/mailscheduler/internal/store"
	"github.com/nhle/mailscheduler/tests/testutil"
)

func setup(t *testing.T) (*store.SQLiteStore, *clock.Fake, *outbox.Service, *model.User, *model.User) {
	t.Helper()
	s := testutil.NewTestStore(t)
	clk := clock.NewFake(testutil.Epoch)
	alice := testutil.CreateUser(t, s, "alice")
	bob := testutil.CreateUser(t, s, "bob")
	return s, clk, outbox.New(s, clk, zerolog.Nop()), alice, bob
}

func TestEditScheduleMovesEligibility(t *testing.T) {
	s, clk, svc, alice, bob := setup(t)
	ctx := context.Background()
	sender := testutil.NewStubSender()
	engine := dispatch.New(s, sender, clk, dispatch.Config{}, zerolog.Nop())

	msg := testutil.InsertMessage(t, s,
		testutil.ScheduledMessage(alice, bob, testutil.Epoch.Add(10*time.Minute)))

	later := testutil.Epoch.Add(2 * time.Hour)
	edited, err := svc.EditSchedule(ctx, alice.ID, msg.ID, later, true)
	require.NoError(t, err)
	assert.True(t, edited.ScheduledAt.Equal(later))

	clk.Set(testutil.Epoch.Add(time.Hour))
	engine.Sweep(ctx)
	assert.Zero(t, sender.Attempts())

	clk.Set(later)
	engine.Sweep(ctx)
	assert.Equal(t, 1, sender.SentCount())
}

func TestEditScheduleRejectsPastTime(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	msg := testutil.InsertMessage(t, s,
		testutil.ScheduledMessage(alice, bob, testutil.Epoch.Add(time.Hour)))

	_, err := svc.EditSchedule(context.Background(), alice.ID, msg.ID, testutil.Epoch, true)
	assert.ErrorIs(t, err, model.ErrInvalidSchedule)

	got := testutil.MustGetMessage(t, s, msg.ID)
	assert.True(t, got.ScheduledAt.Equal(testutil.Epoch.Add(time.Hour)))
}

func TestEditScheduleRejectsSentMessage(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	ctx := context.Background()
	msg := testutil.InsertMessage(t, s, testutil.ScheduledMessage(alice, bob, testutil.Epoch))
	require.NoError(t, s.ClaimMessage(ctx, msg.ID, "tok", testutil.Epoch))
	require.NoError(t, s.MarkSent(ctx, msg.ID, "tok", testutil.Epoch))

	_, err := svc.EditSchedule(ctx, alice.ID, msg.ID, testutil.Epoch.Add(time.Hour), true)
	assert.ErrorIs(t, err, store.ErrNotEditable)

	got := testutil.MustGetMessage(t, s, msg.ID)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.True(t, got.ScheduledAt.Equal(testutil.Epoch))
}

func TestEditScheduleOtherOwner(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	msg := testutil.InsertMessage(t, s,
		testutil.ScheduledMessage(alice, bob, testutil.Epoch.Add(time.Hour)))

	_, err := svc.EditSchedule(context.Background(), bob.ID, msg.ID, testutil.Epoch.Add(2*time.Hour), true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetActive(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	ctx := context.Background()
	msg := testutil.InsertMessage(t, s,
		testutil.ScheduledMessage(alice, bob, testutil.Epoch.Add(time.Hour)))

	paused, err := svc.SetActive(ctx, alice.ID, msg.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.ScheduleActive)
	assert.True(t, paused.ScheduledAt.Equal(testutil.Epoch.Add(time.Hour)))

	immediate := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))
	_, err = svc.SetActive(ctx, alice.ID, immediate.ID, true)
	assert.ErrorIs(t, err, store.ErrNotEditable)
}

func TestViews(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	ctx := context.Background()

	scheduled := testutil.InsertMessage(t, s,
		testutil.ScheduledMessage(alice, bob, testutil.Epoch.Add(time.Hour)))

	sent := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))
	require.NoError(t, s.CompleteImmediate(ctx, sent.ID, true, "", testutil.Epoch))

	failed := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))
	require.NoError(t, s.CompleteImmediate(ctx, failed.ID, false, "boom", testutil.Epoch))

	ids := func(msgs []model.Message) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	got, err := svc.List(ctx, alice.ID, outbox.ViewScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{scheduled.ID}, ids(got))

	got, err = svc.List(ctx, alice.ID, outbox.ViewSent)
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, ids(got))

	got, err = svc.List(ctx, alice.ID, outbox.ViewFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, ids(got))

	got, err = svc.ListPending(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{scheduled.ID}, ids(got))

	got, err = svc.List(ctx, alice.ID, outbox.ViewOutbox)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, scheduled.ID, got[0].ID)

	got, err = svc.List(ctx, bob.ID, outbox.ViewReceived)
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, ids(got))

	_, err = svc.List(ctx, alice.ID, "archive")
	assert.Error(t, err)
}

func TestGetVisibility(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	ctx := context.Background()
	carol := testutil.CreateUser(t, s, "carol")
	msg := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))

	_, err := svc.Get(ctx, alice.ID, msg.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, bob.ID, msg.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, carol.ID, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, _, svc, alice, bob := setup(t)
	ctx := context.Background()
	m1 := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))
	m2 := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))
	m3 := testutil.InsertMessage(t, s, testutil.ImmediateMessage(alice, bob))

	require.NoError(t, svc.Delete(ctx, alice.ID, m1.ID))
	assert.ErrorIs(t, svc.Delete(ctx, bob.ID, m2.ID), store.ErrNotFound)

	n, err := svc.DeleteMany(ctx, alice.ID, []string{m2.ID, m3.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := svc.Outbox(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
