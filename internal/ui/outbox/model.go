package outbox

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/keys"
	"github.com/nhle/mailscheduler/internal/model"
	outboxsvc "github.com/nhle/mailscheduler/internal/outbox"
	"github.com/nhle/mailscheduler/internal/theme"
	"github.com/nhle/mailscheduler/internal/ui"
)

// MessagesLoadedMsg carries the messages of one view.
type MessagesLoadedMsg struct {
	View     outboxsvc.View
	Messages []model.Message
	Err      error
}

// EditScheduleMsg asks the root model to open the schedule editor.
type EditScheduleMsg struct {
	Message model.Message
}

// ToggleActiveMsg asks the root model to pause or resume a schedule.
type ToggleActiveMsg struct {
	MessageID string
	Active    bool
}

// OpenMsg asks the parent to show a message in full.
type OpenMsg struct {
	Message model.Message
}

// DeleteMsg asks the root model to delete a message.
type DeleteMsg struct {
	MessageID string
}

// Model is the tabbed message list.
type Model struct {
	list    list.Model
	service *outboxsvc.Service
	clock   clock.Clock
	keys    *keys.KeyMap
	userID  string
	tab     int
	err     error
	width   int
	height  int
}

// New creates a new outbox list for userID.
func New(svc *outboxsvc.Service, clk clock.Clock, k *keys.KeyMap, userID string, width, height int) Model {
	l := list.New([]list.Item{}, ItemDelegate{}, width, height-2)
	l.Title = "Outbox"
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetShowTitle(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	return Model{
		list:    l,
		service: svc,
		clock:   clk,
		keys:    k,
		userID:  userID,
		width:   width,
		height:  height,
	}
}

// Init returns a command that loads the first view.
func (m Model) Init() tea.Cmd {
	return m.Load()
}

// CurrentView returns the selected projection.
func (m Model) CurrentView() outboxsvc.View {
	return outboxsvc.Views[m.tab]
}

// Update handles messages for the outbox view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case MessagesLoadedMsg:
		if msg.View != m.CurrentView() {
			return m, nil
		}
		m.err = msg.Err
		now := m.clock.Now()
		items := make([]list.Item, len(msg.Messages))
		for i, message := range msg.Messages {
			items[i] = MessageItem{Message: message, Now: now}
		}
		return m, m.list.SetItems(items)

	case tea.KeyMsg:
		return m.handleKeys(msg)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) handleKeys(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.NextTab):
		m.tab = (m.tab + 1) % len(outboxsvc.Views)
		return m, m.Load()

	case key.Matches(msg, m.keys.PrevTab):
		m.tab = (m.tab + len(outboxsvc.Views) - 1) % len(outboxsvc.Views)
		return m, m.Load()

	case key.Matches(msg, m.keys.Refresh):
		return m, m.Load()

	case key.Matches(msg, m.keys.Open):
		if item, ok := m.list.SelectedItem().(MessageItem); ok {
			return m, func() tea.Msg { return OpenMsg{Message: item.Message} }
		}
		return m, nil

	case key.Matches(msg, m.keys.EditSchedule):
		if sel, ok := m.selectedOwned(); ok && sel.ScheduleEditable() {
			return m, func() tea.Msg { return EditScheduleMsg{Message: sel} }
		}
		return m, nil

	case key.Matches(msg, m.keys.ToggleActive):
		if sel, ok := m.selectedOwned(); ok && sel.ScheduleEditable() {
			return m, func() tea.Msg {
				return ToggleActiveMsg{MessageID: sel.ID, Active: !sel.ScheduleActive}
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Delete):
		if sel, ok := m.selectedOwned(); ok {
			return m, func() tea.Msg { return DeleteMsg{MessageID: sel.ID} }
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// selectedOwned returns the highlighted message if the user sent it.
func (m Model) selectedOwned() (model.Message, bool) {
	item, ok := m.list.SelectedItem().(MessageItem)
	if !ok || item.Message.SenderID != m.userID {
		return model.Message{}, false
	}
	return item.Message, true
}

// View renders the tab strip and the list.
func (m Model) View() string {
	labels := make([]string, len(outboxsvc.Views))
	for i, v := range outboxsvc.Views {
		labels[i] = string(v)
	}
	tabs := ui.NewLayout(m.width, m.height).RenderTabs(labels, m.tab)

	body := m.list.View()
	switch {
	case m.err != nil:
		body = theme.ErrorStyle.Render(fmt.Sprintf("Could not load messages: %v", m.err))
	case len(m.list.Items()) == 0:
		body = m.renderEmptyState()
	}

	return lipgloss.JoinVertical(lipgloss.Left, tabs, "", body)
}

func (m Model) renderEmptyState() string {
	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height-2).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	if m.CurrentView() == outboxsvc.ViewReceived {
		return style.Render("Nothing received yet.")
	}
	return style.Render("No messages here.\n\nPress n to compose one.")
}

// Load returns a tea.Cmd that queries the current view.
func (m Model) Load() tea.Cmd {
	svc := m.service
	userID := m.userID
	view := m.CurrentView()
	return func() tea.Msg {
		msgs, err := svc.List(context.Background(), userID, view)
		return MessagesLoadedMsg{View: view, Messages: msgs, Err: err}
	}
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height-2)
}

// SelectTab switches to the view at index i and loads it.
func (m *Model) SelectTab(i int) tea.Cmd {
	if i < 0 || i >= len(outboxsvc.Views) {
		return nil
	}
	m.tab = i
	return m.Load()
}

// Selected returns the highlighted message, if any.
func (m Model) Selected() (model.Message, bool) {
	item, ok := m.list.SelectedItem().(MessageItem)
	if !ok {
		return model.Message{}, false
	}
	return item.Message, true
}
