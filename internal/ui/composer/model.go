package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailscheduler/internal/compose"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/theme"
)

// TimeLayout is the format accepted for scheduled times, in local time.
const TimeLayout = "2006-01-02 15:04"

// Form actions chosen on the last field.
const (
	actionSend     = "send"
	actionGenerate = "generate"
	actionImprove  = "improve"
	actionUndo     = "undo"
	actionCancel   = "cancel"
)

// FinalizedMsg is emitted once a message was stored (and, for immediate
// delivery, sent or marked failed).
type FinalizedMsg struct {
	Message *model.Message
	Err     error
}

// CancelMsg is emitted when the user leaves the form without sending.
type CancelMsg struct{}

type assistResultMsg struct {
	op   string
	body string
	err  error
}

type finalizeResultMsg struct {
	msg *model.Message
	err error
}

// formBindings holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	to       string
	subject  string
	body     string
	style    string
	mode     string
	when     string
	inactive bool
	action   string
}

// Model is the Bubble Tea model for composing one message.
type Model struct {
	session *compose.Session
	userID  string
	form    *huh.Form
	fb      *formBindings
	draft   *compose.Draft
	busy    string
	err     error
	width   int
	height  int
}

// New creates a compose form that submits through session as userID.
func New(session *compose.Session, userID string, width, height int) Model {
	return Model{
		session: session,
		userID:  userID,
		fb:      &formBindings{mode: string(model.DeliveryImmediate), action: actionSend},
		draft:   compose.NewDraft(),
		width:   width,
		height:  height,
	}
}

// Start resets the form for a new message.
func (m *Model) Start() tea.Cmd {
	*m.fb = formBindings{mode: string(model.DeliveryImmediate), action: actionSend}
	m.draft.Reset()
	m.err = nil
	m.busy = ""
	m.form = m.buildForm()
	return m.form.Init()
}

// Update handles messages for the compose form.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case assistResultMsg:
		m.busy = ""
		if msg.err != nil {
			m.err = msg.err
		} else {
			src := compose.SourceGenerate
			if msg.op == actionImprove {
				src = compose.SourceImprove
			}
			m.draft.Apply(msg.body, src)
			m.fb.body = msg.body
			m.err = nil
		}
		return m, m.reopen()

	case finalizeResultMsg:
		m.busy = ""
		if msg.err != nil && compose.IsUserCorrectable(msg.err) {
			m.err = msg.err
			return m, m.reopen()
		}
		return m, func() tea.Msg { return FinalizedMsg{Message: msg.msg, Err: msg.err} }
	}

	if m.form == nil || m.busy != "" {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		return m.handleAction()
	case huh.StateAborted:
		return m, func() tea.Msg { return CancelMsg{} }
	}

	return m, cmd
}

func (m Model) handleAction() (Model, tea.Cmd) {
	if m.fb.body != m.draft.Body() {
		m.draft.Apply(m.fb.body, compose.SourceManual)
	}

	switch m.fb.action {
	case actionGenerate, actionImprove:
		m.busy = "Asking the assistant..."
		return m, m.assist(m.fb.action)

	case actionUndo:
		if body, ok := m.draft.Undo(); ok {
			m.fb.body = body
		}
		return m, m.reopen()

	case actionCancel:
		return m, func() tea.Msg { return CancelMsg{} }
	}

	sub, err := m.submission()
	if err != nil {
		m.err = err
		return m, m.reopen()
	}
	m.busy = "Sending..."
	session := m.session
	return m, func() tea.Msg {
		msg, err := session.Finalize(context.Background(), sub)
		return finalizeResultMsg{msg: msg, err: err}
	}
}

func (m Model) assist(op string) tea.Cmd {
	session := m.session
	userID := m.userID
	body := m.fb.body
	style := m.fb.style
	return func() tea.Msg {
		var (
			out string
			err error
		)
		if op == actionGenerate {
			out, err = session.GenerateDraft(context.Background(), body, style, userID)
		} else {
			out, err = session.ImproveDraft(context.Background(), body, style, userID)
		}
		return assistResultMsg{op: op, body: out, err: err}
	}
}

func (m Model) submission() (compose.Submission, error) {
	sub := compose.Submission{
		SenderID:        m.userID,
		RecipientHandle: m.fb.to,
		Subject:         m.fb.subject,
		Body:            m.fb.body,
		IsAIGenerated:   m.draft.IsAIGenerated(),
		DeliveryMode:    model.DeliveryMode(m.fb.mode),
	}
	if sub.DeliveryMode == model.DeliveryScheduled {
		at, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(m.fb.when), time.Local)
		if err != nil {
			return sub, fmt.Errorf("%w: use %s", model.ErrInvalidSchedule, TimeLayout)
		}
		at = at.UTC()
		active := !m.fb.inactive
		sub.ScheduledAt = &at
		sub.ScheduleActive = &active
	}
	return sub, nil
}

// reopen rebuilds the form keeping the entered values.
func (m *Model) reopen() tea.Cmd {
	m.fb.action = actionSend
	m.form = m.buildForm()
	return m.form.Init()
}

// View renders the compose form.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	parts := []string{titleStyle.Render("New Message")}
	if m.err != nil {
		parts = append(parts, theme.ErrorStyle.Render(errorText(m.err)))
	}
	if m.busy != "" {
		parts = append(parts, theme.HelpStyle.Render(m.busy))
	} else if m.form != nil {
		parts = append(parts, m.form.View())
	}

	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) buildForm() *huh.Form {
	styleOpts := []huh.Option[string]{huh.NewOption("My default", "")}
	for _, s := range model.WritingStyles {
		styleOpts = append(styleOpts, huh.NewOption(strings.ToUpper(s[:1])+s[1:], s))
	}

	actionOpts := []huh.Option[string]{
		huh.NewOption("Send / schedule", actionSend),
		huh.NewOption("Generate body from what I wrote", actionGenerate),
		huh.NewOption("Improve body", actionImprove),
	}
	if len(m.draft.Revisions()) > 1 {
		actionOpts = append(actionOpts, huh.NewOption("Undo last body change", actionUndo))
	}
	actionOpts = append(actionOpts, huh.NewOption("Discard", actionCancel))

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("To").
				Placeholder("username or email").
				Value(&m.fb.to).
				Validate(validateRequired("Recipient")),
			huh.NewInput().
				Title("Subject").
				Value(&m.fb.subject),
			huh.NewText().
				Title("Body").
				Placeholder("Write the message, or describe it and pick Generate").
				Value(&m.fb.body).
				Validate(validateRequired("Body")),
			huh.NewSelect[string]().
				Title("Writing style").
				Options(styleOpts...).
				Value(&m.fb.style),
			huh.NewSelect[string]().
				Title("Delivery").
				Options(
					huh.NewOption("Send now", string(model.DeliveryImmediate)),
					huh.NewOption("Schedule", string(model.DeliveryScheduled)),
				).
				Value(&m.fb.mode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Send at").
				Placeholder(TimeLayout).
				Value(&m.fb.when).
				Validate(validateTime),
			huh.NewConfirm().
				Title("Keep paused?").
				Affirmative("Paused").
				Negative("Active").
				Value(&m.fb.inactive),
		).WithHideFunc(func() bool {
			return m.fb.mode != string(model.DeliveryScheduled)
		}),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Action").
				Options(actionOpts...).
				Value(&m.fb.action),
		),
	).WithWidth(m.formWidth()).WithHeight(m.formHeight())
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	if w > 100 {
		w = 100
	}
	return w
}

func (m Model) formHeight() int {
	h := m.height - 6
	if h < 12 {
		h = 12
	}
	return h
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateTime(s string) error {
	if _, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(s), time.Local); err != nil {
		return fmt.Errorf("use %s", TimeLayout)
	}
	return nil
}

// errorText turns composition errors into a line for the form.
func errorText(err error) string {
	var notFound *compose.RecipientNotFoundError
	switch {
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.Is(err, compose.ErrAssistUnavailable):
		return "Assistant unavailable, you can still write the message yourself."
	case errors.Is(err, model.ErrInvalidSchedule):
		return "Scheduled time must be in the future."
	default:
		return err.Error()
	}
}
