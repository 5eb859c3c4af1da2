package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/dispatch"
	"github.com/nhle/mailscheduler/internal/mail"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
	"github.com/nhle/mailscheduler/tests/testutil"
)

type env struct {
	store  *store.SQLiteStore
	sender *testutil.StubSender
	clock  *clock.Fake
	alice  *model.User
	bob    *model.User
	carol  *model.User
}

func newEnv(t *testing.T, s *store.SQLiteStore) *env {
	t.Helper()
	e := &env{
		store:  s,
		sender: testutil.NewStubSender(),
		clock:  clock.NewFake(testutil.Epoch),
	}
	e.alice = testutil.CreateUser(t, s, "alice")
	e.bob = testutil.CreateUser(t, s, "bob")
	e.carol = testutil.CreateUser(t, s, "carol")
	return e
}

func (e *env) engine(cfg dispatch.Config) *dispatch.Engine {
	cfg.From = "noreply@example.com"
	return dispatch.New(e.store, e.sender, e.clock, cfg, zerolog.Nop())
}

func TestSweepDeliversOnlyWhenDue(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{})

	msg := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Hour)))

	e.clock.Set(testutil.Epoch.Add(30 * time.Minute))
	result := engine.Sweep(ctx)
	assert.Zero(t, result.Due)
	assert.Zero(t, e.sender.Attempts())
	assert.Equal(t, model.StatusPending, testutil.MustGetMessage(t, e.store, msg.ID).Status)

	e.clock.Set(testutil.Epoch.Add(61 * time.Minute))
	result = engine.Sweep(ctx)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Sent)

	got := testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(testutil.Epoch.Add(61*time.Minute)))

	// Sweeping again never resends.
	e.clock.Advance(time.Hour)
	result = engine.Sweep(ctx)
	assert.Zero(t, result.Due)
	assert.Equal(t, 1, e.sender.SentCount())

	sent := e.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob@example.com", sent[0].To)
	assert.Equal(t, "alice@example.com", sent[0].ReplyTo)
	assert.Equal(t, msg.ID+"@example.com", sent[0].MessageID)
}

func TestSweepSkipsInactiveSchedules(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{})

	m := testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Minute))
	m.ScheduleActive = false
	msg := testutil.InsertMessage(t, e.store, m)

	for i := 0; i < 3; i++ {
		e.clock.Advance(time.Hour)
		engine.Sweep(ctx)
	}

	assert.Zero(t, e.sender.Attempts())
	assert.Equal(t, model.StatusPending, testutil.MustGetMessage(t, e.store, msg.ID).Status)
}

func TestSweepRetriesUntilCeiling(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{MaxAttempts: 3})
	e.sender.FailAll(testutil.ErrSendRejected)

	msg := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Minute)))
	e.clock.Advance(2 * time.Minute)

	result := engine.Sweep(ctx)
	assert.Equal(t, 1, result.Retrying)
	result = engine.Sweep(ctx)
	assert.Equal(t, 1, result.Retrying)

	got := testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 2, got.FailedAttempts)
	assert.Contains(t, got.LastError, "mailbox unavailable")

	result = engine.Sweep(ctx)
	assert.Equal(t, 1, result.Failed)

	got = testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Nil(t, got.SentAt)

	// Terminal: later sweeps leave it alone even once the sender recovers.
	e.sender.FailAll(nil)
	result = engine.Sweep(ctx)
	assert.Zero(t, result.Due)
	assert.Equal(t, 3, e.sender.Attempts())
	assert.Zero(t, e.sender.SentCount())
}

func TestSweepFailureDoesNotBlockOthers(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{Workers: 2})
	e.sender.FailTo("bob@example.com", testutil.ErrSendRejected)

	toBob := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Minute)))
	toCarol := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.carol, testutil.Epoch.Add(2*time.Minute)))
	e.clock.Advance(5 * time.Minute)

	result := engine.Sweep(ctx)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Retrying)

	assert.Equal(t, model.StatusPending, testutil.MustGetMessage(t, e.store, toBob.ID).Status)
	assert.Equal(t, model.StatusSent, testutil.MustGetMessage(t, e.store, toCarol.ID).Status)
}

func TestSweepReleasesStaleClaims(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{ClaimTimeout: 5 * time.Minute})

	msg := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch))
	// A worker that claimed the message and then vanished.
	require.NoError(t, e.store.ClaimMessage(ctx, msg.ID, "crashed", testutil.Epoch))

	e.clock.Advance(time.Minute)
	result := engine.Sweep(ctx)
	assert.Zero(t, result.Released)
	assert.Zero(t, e.sender.Attempts())

	e.clock.Advance(10 * time.Minute)
	result = engine.Sweep(ctx)
	assert.EqualValues(t, 1, result.Released)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, model.StatusSent, testutil.MustGetMessage(t, e.store, msg.ID).Status)
}

func TestSweepExpiredClaimsCountTowardCeiling(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	ctx := context.Background()
	engine := e.engine(dispatch.Config{MaxAttempts: 3, ClaimTimeout: 5 * time.Minute})
	e.sender.FailAll(testutil.ErrSendRejected)

	msg := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch))

	require.NoError(t, e.store.ClaimMessage(ctx, msg.ID, "crashed-1", e.clock.Now()))
	e.clock.Advance(10 * time.Minute)
	result := engine.Sweep(ctx)
	assert.EqualValues(t, 1, result.Released)
	assert.Equal(t, 1, result.Retrying)

	got := testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 2, got.FailedAttempts)

	require.NoError(t, e.store.ClaimMessage(ctx, msg.ID, "crashed-2", e.clock.Now()))
	e.clock.Advance(10 * time.Minute)
	result = engine.Sweep(ctx)
	assert.EqualValues(t, 1, result.Released)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Due)

	got = testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.FailedAttempts)
	assert.Equal(t, store.ClaimExpiredReason, got.LastError)
	assert.Nil(t, got.ClaimToken)
	assert.Equal(t, 1, e.sender.Attempts())
}

// hookSender runs hook once, before the first envelope is handed on.
type hookSender struct {
	mail.Sender
	once sync.Once
	hook func()
}

func (h *hookSender) Send(ctx context.Context, env mail.Envelope) error {
	h.once.Do(h.hook)
	return h.Sender.Send(ctx, env)
}

func TestSlowSendKeepsItsClaim(t *testing.T) {
	e := newEnv(t, testutil.NewFileStore(t))
	ctx := context.Background()

	msg := testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch))
	e.clock.Advance(time.Minute)

	// The claim timeout is shorter than a send may take; the engine has to
	// stretch it or a second sweep would steal the message mid-send.
	cfg := dispatch.Config{
		ClaimTimeout: 10 * time.Second,
		SendTimeout:  30 * time.Second,
		From:         "noreply@example.com",
	}

	var other dispatch.SweepResult
	slow := &hookSender{Sender: e.sender}
	first := dispatch.New(e.store, slow, e.clock, cfg, zerolog.Nop())
	second := dispatch.New(e.store, slow, e.clock, cfg, zerolog.Nop())
	slow.hook = func() {
		e.clock.Advance(20 * time.Second)
		other = second.Sweep(ctx)
	}

	result := first.Sweep(ctx)
	assert.Equal(t, 1, result.Sent)

	assert.Zero(t, other.Released)
	assert.Zero(t, other.Due)
	assert.Zero(t, other.Sent)

	assert.Equal(t, 1, e.sender.SentCount())
	got := testutil.MustGetMessage(t, e.store, msg.ID)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.Zero(t, got.FailedAttempts)
}

func TestConcurrentEnginesDeliverExactlyOnce(t *testing.T) {
	e := newEnv(t, testutil.NewFileStore(t))
	ctx := context.Background()

	const messages = 20
	for i := 0; i < messages; i++ {
		testutil.InsertMessage(t, e.store,
			testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Duration(i)*time.Second)))
	}
	e.clock.Advance(time.Hour)

	engines := []*dispatch.Engine{
		e.engine(dispatch.Config{Workers: 4}),
		e.engine(dispatch.Config{Workers: 4}),
		e.engine(dispatch.Config{Workers: 4}),
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []dispatch.SweepResult
	)
	for _, engine := range engines {
		wg.Add(1)
		go func(engine *dispatch.Engine) {
			defer wg.Done()
			r := engine.Sweep(ctx)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(engine)
	}
	wg.Wait()

	var sent, errs int
	for _, r := range results {
		sent += r.Sent
		errs += r.Errors
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, messages, sent)
	assert.Zero(t, errs)
	assert.Equal(t, messages, e.sender.SentCount())
	for id, n := range e.sender.SentByMessageID() {
		assert.Equal(t, 1, n, id)
	}
}

func TestEngineStartTriggerStop(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	engine := e.engine(dispatch.Config{Interval: time.Hour})

	testutil.InsertMessage(t, e.store,
		testutil.ScheduledMessage(e.alice, e.bob, testutil.Epoch.Add(time.Minute)))

	engine.Start(context.Background())
	defer engine.Stop()

	// Initial sweep runs immediately; nothing is due yet.
	first := receive(t, engine.Results())
	assert.Zero(t, first.Due)
	assert.True(t, engine.Status().Running)

	e.clock.Advance(2 * time.Minute)
	engine.Trigger()

	second := receive(t, engine.Results())
	assert.Equal(t, 1, second.Sent)
	assert.Equal(t, 1, engine.Status().LastResult.Sent)

	engine.Stop()
	assert.False(t, engine.Status().Running)
	engine.Stop()
}

func TestEngineStopsWithContext(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	engine := e.engine(dispatch.Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	receive(t, engine.Results())
	cancel()

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestSweepCancelledContext(t *testing.T) {
	e := newEnv(t, testutil.NewTestStore(t))
	engine := e.engine(dispatch.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.Sweep(ctx)
	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, context.Canceled))
	assert.Zero(t, e.sender.Attempts())
}

func receive(t *testing.T, ch <-chan dispatch.SweepResult) dispatch.SweepResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sweep result")
		return dispatch.SweepResult{}
	}
}
