package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPArchiver appends delivered messages to a mailbox (usually "Sent")
// on an IMAP server.
type IMAPArchiver struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	mailbox  string
}

var _ Archiver = (*IMAPArchiver)(nil)

// NewIMAPArchiver creates a new IMAP archiver configuration.
func NewIMAPArchiver(
	host, port, username, password string, tls bool, mailbox string,
) *IMAPArchiver {
	if mailbox == "" {
		mailbox = "Sent"
	}
	return &IMAPArchiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		mailbox:  mailbox,
	}
}

// connect establishes a connection to the IMAP server and authenticates.
// The caller is responsible for logging out.
func (a *IMAPArchiver) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(a.host, a.port)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: a.host}

	var client *imapclient.Client
	if a.tls {
		client = imapclient.New(tls.Client(conn, tlsConfig), nil)
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("IMAP STARTTLS with %s: %w", addr, err)
		}
	}

	if err := client.Login(a.username, a.password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("IMAP login for %s: %w", a.username, err)
	}

	return client, nil
}

// Archive appends raw to the configured mailbox, flagged as seen.
func (a *IMAPArchiver) Archive(ctx context.Context, raw []byte, date time.Time) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	appendCmd := client.Append(a.mailbox, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  date,
	})
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return fmt.Errorf("writing to %s: %w", a.mailbox, err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("closing append to %s: %w", a.mailbox, err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", a.mailbox, err)
	}

	return nil
}
