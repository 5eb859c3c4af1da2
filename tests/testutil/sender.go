package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/nhle/mailscheduler/internal/mail"
)

// ErrSendRejected is the default error returned by a failing StubSender.
var ErrSendRejected = errors.New("550 mailbox unavailable")

// StubSender records every envelope it is asked to send. Failures can be
// programmed globally or per recipient address.
type StubSender struct {
	mu       sync.Mutex
	sent     []mail.Envelope
	attempts int
	failAll  error
	failTo   map[string]error
}

var _ mail.Sender = (*StubSender)(nil)

// NewStubSender returns a sender that accepts everything.
func NewStubSender() *StubSender {
	return &StubSender{failTo: make(map[string]error)}
}

// Send records env, or returns the programmed failure.
func (s *StubSender) Send(ctx context.Context, env mail.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := s.failTo[env.To]; ok {
		return err
	}
	if s.failAll != nil {
		return s.failAll
	}
	s.sent = append(s.sent, env)
	return nil
}

// FailAll makes every send fail with err; nil restores success.
func (s *StubSender) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// FailTo makes sends to addr fail with err; nil restores success.
func (s *StubSender) FailTo(addr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failTo, addr)
		return
	}
	s.failTo[addr] = err
}

// Sent returns a copy of the successfully sent envelopes.
func (s *StubSender) Sent() []mail.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mail.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentCount returns how many envelopes were sent.
func (s *StubSender) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// Attempts returns how many times Send was called.
func (s *StubSender) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// SentByMessageID counts deliveries per Message-ID.
func (s *StubSender) SentByMessageID() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.sent))
	for _, env := range s.sent {
		counts[env.MessageID]++
	}
	return counts
}
