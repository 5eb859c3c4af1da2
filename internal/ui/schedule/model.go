package schedule

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/theme"
	"github.com/nhle/mailscheduler/internal/ui/composer"
)

// SavedMsg carries the edited schedule back to the root model.
type SavedMsg struct {
	MessageID string
	At        time.Time
	Active    bool
}

// CancelMsg is emitted when the user leaves without saving.
type CancelMsg struct{}

type formBindings struct {
	when   string
	active bool
}

// Model edits the time and active flag of one scheduled message.
type Model struct {
	form      *huh.Form
	fb        *formBindings
	messageID string
	subject   string
	err       error
	width     int
	height    int
}

// New creates a schedule editor.
func New(width, height int) Model {
	return Model{fb: &formBindings{}, width: width, height: height}
}

// Start opens the editor for msg.
func (m *Model) Start(msg model.Message) tea.Cmd {
	m.messageID = msg.ID
	m.subject = msg.Subject
	m.err = nil
	m.fb.active = msg.ScheduleActive
	m.fb.when = ""
	if msg.ScheduledAt != nil {
		m.fb.when = msg.ScheduledAt.In(time.Local).Format(composer.TimeLayout)
	}
	m.form = m.buildForm()
	return m.form.Init()
}

// SetError shows err and reopens the form with the entered values.
func (m *Model) SetError(err error) tea.Cmd {
	m.err = err
	m.form = m.buildForm()
	return m.form.Init()
}

// Update handles messages for the schedule editor.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		at, err := time.ParseInLocation(composer.TimeLayout, strings.TrimSpace(m.fb.when), time.Local)
		if err != nil {
			return m, m.SetError(err)
		}
		saved := SavedMsg{MessageID: m.messageID, At: at.UTC(), Active: m.fb.active}
		return m, func() tea.Msg { return saved }
	case huh.StateAborted:
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

// View renders the editor.
func (m Model) View() string {
	if m.form == nil {
		return ""
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1).
		Render(fmt.Sprintf("Reschedule %q", m.subject))

	parts := []string{title}
	if m.err != nil {
		parts = append(parts, theme.ErrorStyle.Render(m.err.Error()))
	}
	parts = append(parts, m.form.View())

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// SetSize updates the editor dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	if w > 80 {
		w = 80
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Send at").
				Placeholder(composer.TimeLayout).
				Value(&m.fb.when).
				Validate(func(s string) error {
					if _, err := time.ParseInLocation(composer.TimeLayout, strings.TrimSpace(s), time.Local); err != nil {
						return fmt.Errorf("use %s", composer.TimeLayout)
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Active").
				Affirmative("Active").
				Negative("Paused").
				Value(&m.fb.active),
		),
	).WithWidth(w)
}
