// Package dispatch delivers scheduled messages once they become due.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/mail"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/store"
)

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	Interval     time.Duration
	MaxAttempts  int
	ClaimTimeout time.Duration
	BatchSize    int
	Workers      int
	SendTimeout  time.Duration
	// From is the envelope sender.
	From string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	// A claim must outlive any send still holding it.
	if c.ClaimTimeout < 2*c.SendTimeout {
		c.ClaimTimeout = 2 * c.SendTimeout
	}
	return c
}

// SweepResult summarizes one sweep. It is also the tea.Msg delivered to
// subscribers of an Engine.
type SweepResult struct {
	StartedAt time.Time
	Duration  time.Duration

	Due       int   // candidates read from the store
	Sent      int   // delivered and recorded
	Retrying  int   // send failed, back to pending
	Failed    int   // send failed, retry ceiling reached
	Conflicts int   // claimed or changed by someone else first
	Errors    int   // store errors while resolving a candidate
	Released  int64 // expired claims counted as failed attempts

	Err error // set when the sweep could not run at all
}

// Status reports the engine's runtime state.
type Status struct {
	Running    bool
	Sweeping   bool
	LastSweep  time.Time
	LastResult SweepResult
}

// Engine finds due scheduled messages, claims each one, and hands it to
// the sender. Several engines may share one store: a message is only ever
// handed to the sender by the engine that won its claim.
type Engine struct {
	store  store.Store
	sender mail.Sender
	clock  clock.Clock
	cfg    Config
	log    zerolog.Logger

	resultCh  chan SweepResult
	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        gosync.WaitGroup

	mu       gosync.Mutex
	running  bool
	sweeping bool
	last     SweepResult
}

// New creates an engine. It does nothing until Start or Sweep is called.
func New(s store.Store, sender mail.Sender, clk clock.Clock, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:     s,
		sender:    sender,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		log:       log,
		resultCh:  make(chan SweepResult, 16),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every interval until Stop is
// called or ctx is done. Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
}

// Trigger requests a sweep as soon as the loop is free. Requests made
// while one is already queued are merged.
func (e *Engine) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Results delivers the outcome of every sweep run by the loop. Results
// are dropped when nobody keeps up.
func (e *Engine) Results() <-chan SweepResult {
	return e.resultCh
}

// WaitForResult returns a tea.Cmd that waits for the next sweep result.
// Call it again after handling a SweepResult to keep listening.
func (e *Engine) WaitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-e.resultCh
		if !ok {
			return nil
		}
		return result
	}
}

// Status returns the current runtime state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:    e.running,
		Sweeping:   e.sweeping,
		LastSweep:  e.last.StartedAt,
		LastResult: e.last,
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.runSweep(ctx)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runSweep(ctx)
		case <-e.triggerCh:
			e.runSweep(ctx)
		}
	}
}

func (e *Engine) runSweep(ctx context.Context) {
	result := e.Sweep(ctx)

	select {
	case e.resultCh <- result:
	default:
	}
}

// Sweep runs one dispatch pass: stale claims are released, due messages
// are read, and each candidate is claimed, sent and recorded. A failure on
// one message never stops the others. Sweep may be called directly, and
// concurrently with other sweeps on the same store.
func (e *Engine) Sweep(ctx context.Context) SweepResult {
	e.setSweeping(true)
	defer e.setSweeping(false)

	start := e.clock.Now()
	result := SweepResult{StartedAt: start}
	log := e.log.With().Time("sweep_at", start).Logger()

	released, failed, err := e.store.ReleaseStaleClaims(ctx,
		start.Add(-e.cfg.ClaimTimeout), e.cfg.MaxAttempts, start)
	if err != nil {
		log.Error().Err(err).Msg("releasing stale claims failed")
	} else if released > 0 {
		log.Warn().Int64("count", released).Int64("failed", failed).Msg("released stale claims")
	}
	result.Released = released
	result.Failed += int(failed)

	due, err := e.store.ListDue(ctx, start, e.cfg.BatchSize)
	if err != nil {
		result.Err = fmt.Errorf("listing due messages: %w", err)
		log.Error().Err(err).Msg("sweep aborted")
		return e.finish(result, start)
	}
	result.Due = len(due)

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := range due {
		msg := due[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome := e.dispatchOne(gctx, &msg, log)
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.Due > 0 || result.Released > 0 {
		log.Info().
			Int("due", result.Due).
			Int("sent", result.Sent).
			Int("retrying", result.Retrying).
			Int("failed", result.Failed).
			Int("conflicts", result.Conflicts).
			Int("errors", result.Errors).
			Msg("sweep finished")
	}

	return e.finish(result, start)
}

func (e *Engine) finish(result SweepResult, start time.Time) SweepResult {
	result.Duration = e.clock.Now().Sub(start)

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()

	return result
}

func (e *Engine) setSweeping(v bool) {
	e.mu.Lock()
	e.sweeping = v
	e.mu.Unlock()
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeConflict
	outcomeError
)

func (r *SweepResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeRetrying:
		r.Retrying++
	case outcomeFailed:
		r.Failed++
	case outcomeConflict:
		r.Conflicts++
	case outcomeError:
		r.Errors++
	}
}

// dispatchOne claims msg and, if the claim is won, attempts delivery and
// records the outcome.
func (e *Engine) dispatchOne(ctx context.Context, msg *model.Message, log zerolog.Logger) outcome {
	log = log.With().Str("message_id", msg.ID).Logger()
	token := uuid.New().String()

	if err := e.store.ClaimMessage(ctx, msg.ID, token, e.clock.Now()); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			log.Debug().Msg("claim lost to another worker")
			return outcomeConflict
		}
		log.Error().Err(err).Msg("claiming message failed")
		return outcomeError
	}

	sender, err := e.store.GetUserByID(ctx, msg.SenderID)
	if err != nil {
		log.Debug().Err(err).Msg("sender lookup failed, sending without reply-to")
		sender = nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	sendErr := e.sender.Send(sendCtx, mail.NewEnvelope(msg, e.cfg.From, sender, e.clock.Now()))
	cancel()

	// The claim must be resolved even when the sweep is being cancelled.
	recordCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if err := e.store.MarkSent(recordCtx, msg.ID, token, e.clock.Now()); err != nil {
			if errors.Is(err, store.ErrClaimLost) {
				log.Error().Err(err).Msg("delivered after claim was released")
				return outcomeConflict
			}
			log.Error().Err(err).Msg("recording delivery failed")
			return outcomeError
		}
		log.Info().Msg("scheduled message sent")
		return outcomeSent
	}

	status, err := e.store.ReleaseClaim(recordCtx, msg.ID, token, sendErr.Error(),
		e.cfg.MaxAttempts, e.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return outcomeConflict
		}
		log.Error().Err(err).AnErr("send_error", sendErr).Msg("recording failed attempt failed")
		return outcomeError
	}

	if status == model.StatusFailed {
		log.Error().Err(sendErr).Int("max_attempts", e.cfg.MaxAttempts).
			Msg("delivery failed permanently")
		return outcomeFailed
	}
	log.Warn().Err(sendErr).Msg("delivery failed, will retry")
	return outcomeRetrying
}
