package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// SMTPConfig holds the SMTP server settings for outgoing mail.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	TLS      bool // implicit TLS; otherwise STARTTLS when offered
	Timeout  time.Duration
}

// Archiver stores a copy of a transmitted message, e.g. in a Sent folder.
type Archiver interface {
	Archive(ctx context.Context, raw []byte, date time.Time) error
}

// SMTPSender delivers messages over SMTP and optionally archives a copy.
type SMTPSender struct {
	cfg      SMTPConfig
	archiver Archiver
	log      zerolog.Logger
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a sender. archiver may be nil.
func NewSMTPSender(cfg SMTPConfig, archiver Archiver, log zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg, archiver: archiver, log: log}
}

// Send composes env and transmits it. The whole exchange is bounded by
// the configured timeout and by ctx.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) error {
	if env.MessageID == "" {
		return fmt.Errorf("sending mail: message id is required")
	}
	if env.Date.IsZero() {
		env.Date = time.Now()
	}

	raw, err := BuildMessage(s.cfg.From, env)
	if err != nil {
		return fmt.Errorf("composing mail: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.transmit(ctx, env.To, raw); err != nil {
		return err
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, raw, env.Date); err != nil {
			// Delivery already happened; a missing Sent copy is not a failure.
			s.log.Warn().Err(err).Str("message_id", env.MessageID).
				Msg("archiving sent copy failed")
		}
	}

	return nil
}

// transmit runs one SMTP session for a single recipient.
func (s *SMTPSender) transmit(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.TLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if !s.cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("SMTP STARTTLS: %w", err)
			}
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	from, err := envelopeAddress(s.cfg.From)
	if err != nil {
		return err
	}
	rcpt, err := envelopeAddress(to)
	if err != nil {
		return err
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := writer.Write(raw); err != nil {
		writer.Close()
		return fmt.Errorf("writing SMTP body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing SMTP body: %w", err)
	}

	return client.Quit()
}

// envelopeAddress strips any display name for MAIL FROM / RCPT TO.
func envelopeAddress(addr string) (string, error) {
	parsed, err := parseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", addr, err)
	}
	return parsed, nil
}
