package mail

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Envelope is one outgoing message, ready for transmission.
type Envelope struct {
	// MessageID is stable across retries of the same stored message so
	// receivers can discard duplicates.
	MessageID string
	To        string
	ReplyTo   string
	Subject   string
	TextBody  string
	HTMLBody  string
	Date      time.Time
}

// Sender transmits a finished message to its recipient. Implementations
// must honour ctx cancellation and deadlines.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// RenderHTML turns a plain-text body into a minimal HTML document,
// escaping markup and keeping line breaks.
func RenderHTML(text string) string {
	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))
	escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
	return "<!DOCTYPE html>\n<html><body>\n" + escaped + "\n</body></html>\n"
}

// MessageIDFor derives an RFC 5322 Message-ID from a stored message id,
// using the domain of the sending address.
func MessageIDFor(id, from string) string {
	domain := domainOf(from)
	if domain == "" {
		domain = "mailscheduler.local"
	}
	return id + "@" + domain
}

// parseAddress returns the bare address of a possibly named address.
func parseAddress(addr string) (string, error) {
	parsed, err := gomail.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}

// domainOf returns the part of addr after the last '@'.
func domainOf(addr string) string {
	if bare, err := parseAddress(addr); err == nil {
		addr = bare
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return ""
}

// BuildMessage renders env as a multipart/alternative RFC 5322 message
// sent from from.
func BuildMessage(from string, env Envelope) ([]byte, error) {
	fromAddr, err := gomail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parsing from address %q: %w", from, err)
	}
	toAddr, err := gomail.ParseAddress(env.To)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient address %q: %w", env.To, err)
	}

	var h gomail.Header
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*gomail.Address{fromAddr})
	h.SetAddressList("To", []*gomail.Address{toAddr})
	if env.ReplyTo != "" {
		if replyTo, err := gomail.ParseAddress(env.ReplyTo); err == nil {
			h.SetAddressList("Reply-To", []*gomail.Address{replyTo})
		}
	}
	h.SetSubject(env.Subject)
	if env.MessageID != "" {
		h.SetMessageID(env.MessageID)
	}

	htmlBody := env.HTMLBody
	if htmlBody == "" {
		htmlBody = RenderHTML(env.TextBody)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating inline writer: %w", err)
	}

	if err := writePart(tw, "text/plain", env.TextBody); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", htmlBody); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), nil
}

// writePart adds one UTF-8 text part of the given content type.
func writePart(tw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return w.Close()
}
