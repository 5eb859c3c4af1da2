package mail

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one session per connection and records what it saw.
type fakeSMTP struct {
	ln net.Listener

	mu         sync.Mutex
	from       string
	rcpt       string
	data       string
	rejectRcpt bool
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeSMTP{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) addr() (string, string) {
	host, port, _ := net.SplitHostPort(f.ln.Addr().String())
	return host, port
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])

		switch verb {
		case "EHLO", "HELO":
			reply("250 localhost")
		case "MAIL":
			f.mu.Lock()
			f.from = line
			f.mu.Unlock()
			reply("250 OK")
		case "RCPT":
			f.mu.Lock()
			f.rcpt = line
			reject := f.rejectRcpt
			f.mu.Unlock()
			if reject {
				reply("550 mailbox unavailable")
				continue
			}
			reply("250 OK")
		case "DATA":
			reply("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			f.mu.Lock()
			f.data = sb.String()
			f.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *recordingArchiver) Archive(_ context.Context, raw []byte, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func TestSMTPSenderSend(t *testing.T) {
	srv := newFakeSMTP(t)
	host, port := srv.addr()
	archiver := &recordingArchiver{err: errors.New("imap down")}

	sender := NewSMTPSender(SMTPConfig{
		Host:    host,
		Port:    port,
		From:    "noreply@example.com",
		Timeout: 5 * time.Second,
	}, archiver, zerolog.Nop())

	err := sender.Send(context.Background(), Envelope{
		MessageID: "m1@example.com",
		To:        "bob@example.com",
		Subject:   "Hello",
		TextBody:  "Hi Bob",
	})
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.from, "<noreply@example.com>")
	assert.Contains(t, srv.rcpt, "<bob@example.com>")
	assert.Contains(t, srv.data, "Subject: Hello")
	assert.Contains(t, srv.data, "Hi Bob")

	// A failed Sent copy does not fail the delivery.
	assert.Equal(t, 1, archiver.calls)
}

func TestSMTPSenderRejectedRecipient(t *testing.T) {
	srv := newFakeSMTP(t)
	srv.mu.Lock()
	srv.rejectRcpt = true
	srv.mu.Unlock()
	host, port := srv.addr()

	sender := NewSMTPSender(SMTPConfig{
		Host: host, Port: port, From: "noreply@example.com", Timeout: 5 * time.Second,
	}, nil, zerolog.Nop())

	err := sender.Send(context.Background(), Envelope{
		MessageID: "m1@example.com",
		To:        "bob@example.com",
		TextBody:  "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RCPT TO")
}

func TestSMTPSenderRequiresMessageID(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: "1"}, nil, zerolog.Nop())
	err := sender.Send(context.Background(), Envelope{To: "bob@example.com"})
	assert.Error(t, err)
}

func TestSMTPSenderHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept but never greet.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	sender := NewSMTPSender(SMTPConfig{
		Host: host, Port: port, From: "noreply@example.com", Timeout: 100 * time.Millisecond,
	}, nil, zerolog.Nop())

	start := time.Now()
	err = sender.Send(context.Background(), Envelope{
		MessageID: "m1@example.com", To: "bob@example.com", TextBody: "x",
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
