package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailscheduler/internal/keys"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/theme"
	"github.com/nhle/mailscheduler/internal/ui/outbox"
)

const timeLayout = "2006-01-02 15:04"

// BackMsg signals the parent to navigate back to the list view.
type BackMsg struct{}

// Model is the read-only view of one message.
type Model struct {
	message  *model.Message
	userID   string
	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
}

// New creates a new detail view for userID.
func New(keys *keys.KeyMap, userID string, width, height int) Model {
	vp := viewport.New(width, height-2)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		userID:   userID,
		keys:     keys,
		width:    width,
		height:   height,
	}
}

// Update handles messages for the detail view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && m.message != nil {
		sel := *m.message
		owned := sel.SenderID == m.userID

		switch {
		case key.Matches(msg, m.keys.Back):
			return m, func() tea.Msg { return BackMsg{} }

		case key.Matches(msg, m.keys.EditSchedule):
			if owned && sel.ScheduleEditable() {
				return m, func() tea.Msg { return outbox.EditScheduleMsg{Message: sel} }
			}
			return m, nil

		case key.Matches(msg, m.keys.ToggleActive):
			if owned && sel.ScheduleEditable() {
				return m, func() tea.Msg {
					return outbox.ToggleActiveMsg{MessageID: sel.ID, Active: !sel.ScheduleActive}
				}
			}
			return m, nil

		case key.Matches(msg, m.keys.Delete):
			if owned {
				return m, func() tea.Msg { return outbox.DeleteMsg{MessageID: sel.ID} }
			}
			return m, nil
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the detail view.
func (m Model) View() string {
	if m.message == nil {
		emptyStyle := lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray)
		return emptyStyle.Render("No message selected")
	}

	return m.viewport.View()
}

// renderContent builds the full detail content string for the viewport.
func (m Model) renderContent() string {
	if m.message == nil {
		return ""
	}

	msg := m.message
	var sections []string

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	sections = append(sections, titleStyle.Render(subject))

	// Badges line: mode + status (+ paused, + assisted)
	status := string(msg.DisplayStatus())
	badges := []string{
		theme.ModeStyle(string(msg.DeliveryMode)).Render(strings.ToUpper(string(msg.DeliveryMode))),
		theme.StatusStyle(status).Render(status),
	}
	if msg.IsScheduled() && !msg.ScheduleActive && status == string(model.StatusPending) {
		badges = append(badges, theme.DimmedStyle.Render("paused"))
	}
	if msg.IsAIGenerated {
		badges = append(badges, theme.DimmedStyle.Render("assisted"))
	}
	sections = append(sections, strings.Join(badges, "  "))
	sections = append(sections, "")

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	row := func(label, value string) {
		sections = append(sections, fmt.Sprintf("%s %s",
			metaStyle.Render(fmt.Sprintf("%-10s", label+":")), valStyle.Render(value)))
	}

	row("To", msg.RecipientAddress)
	row("Created", msg.CreatedAt.Local().Format(timeLayout))
	if msg.ScheduledAt != nil {
		row("Scheduled", msg.ScheduledAt.Local().Format(timeLayout))
	}
	if msg.SentAt != nil {
		row("Sent", msg.SentAt.Local().Format(timeLayout))
	}
	if msg.FailedAttempts > 0 {
		row("Attempts", fmt.Sprintf("%d failed", msg.FailedAttempts))
	}
	if msg.LastError != "" {
		sections = append(sections, fmt.Sprintf("%s %s",
			metaStyle.Render(fmt.Sprintf("%-10s", "Error:")), theme.ErrorStyle.Render(msg.LastError)))
	}

	sepStyle := lipgloss.NewStyle().Foreground(theme.ColorSubtle)
	separator := sepStyle.Render(strings.Repeat("─", max(min(m.width-4, 80), 0)))
	sections = append(sections, "", separator, "")

	body := msg.Body
	if m.width > 4 {
		body = lipgloss.NewStyle().Width(min(m.width-4, 100)).Render(body)
	}
	sections = append(sections, body)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// SetMessage updates the message being displayed and re-renders the content.
func (m *Model) SetMessage(msg model.Message) {
	m.message = &msg
	m.viewport.SetContent(m.renderContent())
	m.viewport.GotoTop()
}

// MessageID returns the id of the displayed message, if any.
func (m Model) MessageID() string {
	if m.message == nil {
		return ""
	}
	return m.message.ID
}

// SetSize updates the detail view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height - 2
	if m.message != nil {
		m.viewport.SetContent(m.renderContent())
	}
}
