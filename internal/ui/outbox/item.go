package outbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/theme"
)

// MessageItem wraps a model.Message so it can be used in a bubbles/list.
type MessageItem struct {
	Message model.Message
	// Now is the reference time for relative timestamps.
	Now time.Time
}

// FilterValue returns the string used for fuzzy filtering.
func (i MessageItem) FilterValue() string { return i.Message.Subject }

// Title returns the subject, or a placeholder for an empty one.
func (i MessageItem) Title() string {
	if strings.TrimSpace(i.Message.Subject) == "" {
		return "(no subject)"
	}
	return i.Message.Subject
}

// Description returns a short summary line for the list.
func (i MessageItem) Description() string {
	return strings.Join([]string{
		i.Message.RecipientAddress,
		string(i.Message.DisplayStatus()),
		timeLabel(i.Message, i.Now),
	}, " | ")
}

// ItemDelegate implements list.ItemDelegate for rendering message lines.
type ItemDelegate struct{}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single message line.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	mi, ok := item.(MessageItem)
	if !ok {
		return
	}
	msg := mi.Message

	status := string(msg.DisplayStatus())
	statusBadge := theme.StatusStyle(status).Render(fmt.Sprintf("%-7s", status))

	modeLabel := "NOW"
	if msg.IsScheduled() {
		modeLabel = "SCH"
	}
	modeBadge := theme.ModeStyle(string(msg.DeliveryMode)).Render(modeLabel)

	aiBadge := ""
	if msg.IsAIGenerated {
		aiBadge = lipgloss.NewStyle().Foreground(theme.ColorMagenta).Render(" AI")
	}

	retry := ""
	if msg.Status == model.StatusPending && msg.FailedAttempts > 0 {
		retry = lipgloss.NewStyle().Foreground(theme.ColorRed).
			Render(fmt.Sprintf(" retry %d", msg.FailedAttempts))
	}

	when := lipgloss.NewStyle().Foreground(theme.ColorGray).Render(timeLabel(msg, mi.Now))

	line := fmt.Sprintf("%s %s %s → %s%s%s  %s",
		modeBadge, statusBadge, mi.Title(), msg.RecipientAddress, aiBadge, retry, when)

	if msg.IsScheduled() && !msg.ScheduleActive && !msg.Status.Terminal() {
		line = theme.DimmedStyle.Render(line + " (paused)")
	}

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, line)
}

// timeLabel picks the most relevant timestamp for a message.
func timeLabel(msg model.Message, now time.Time) string {
	switch {
	case msg.SentAt != nil:
		return "sent " + relativeTime(*msg.SentAt, now)
	case msg.IsScheduled() && msg.ScheduledAt != nil && !msg.Status.Terminal():
		return "due " + relativeTime(*msg.ScheduledAt, now)
	default:
		return relativeTime(msg.CreatedAt, now)
	}
}

// relativeTime returns a human-friendly offset of t from now, in the past
// ("5m ago") or the future ("in 5m").
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}

	var span string
	switch {
	case d < time.Minute:
		if future {
			return "in <1m"
		}
		return "just now"
	case d < time.Hour:
		span = fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		span = fmt.Sprintf("%dh", int(d.Hours()))
	case d < 7*24*time.Hour:
		span = fmt.Sprintf("%dd", int(d.Hours()/24))
	default:
		span = fmt.Sprintf("%dw", int(d.Hours()/24/7))
	}

	if future {
		return "in " + span
	}
	return span + " ago"
}
