package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/compose"
	"github.com/nhle/mailscheduler/internal/dispatch"
	"github.com/nhle/mailscheduler/internal/keys"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/outbox"
	"github.com/nhle/mailscheduler/internal/store"
	"github.com/nhle/mailscheduler/internal/ui"
	"github.com/nhle/mailscheduler/internal/ui/command"
	"github.com/nhle/mailscheduler/internal/ui/composer"
	settings "github.com/nhle/mailscheduler/internal/ui/config"
	"github.com/nhle/mailscheduler/internal/ui/detail"
	helpview "github.com/nhle/mailscheduler/internal/ui/help"
	outboxview "github.com/nhle/mailscheduler/internal/ui/outbox"
	"github.com/nhle/mailscheduler/internal/ui/schedule"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewOutbox ViewState = iota
	ViewDetail
	ViewCompose
	ViewSchedule
	ViewSettings
	ViewHelp
	ViewCommand
)

// Deps are the services the TUI drives.
type Deps struct {
	Store   store.Store
	Session *compose.Session
	Outbox  *outbox.Service
	// Engine may be nil when dispatch runs in a separate process.
	Engine *dispatch.Engine
	Clock  clock.Clock
	User   *model.User
	Log    zerolog.Logger

	Config     *model.AppConfig
	ConfigPath string
}

// actionDoneMsg reports the outcome of an outbox action.
type actionDoneMsg struct {
	notice string
	err    error
}

// Model is the root Bubble Tea model that manages view routing,
// layout, and the dispatch status line.
type Model struct {
	deps         Deps
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *keys.KeyMap
	outboxView   outboxview.Model
	detailView   detail.Model
	composeView  composer.Model
	scheduleView schedule.Model
	settingsView settings.Model
	helpView     helpview.Model
	commandView  command.Model
	lastSweep    *dispatch.SweepResult
	notice       string
	ready        bool
}

// New creates the root application model for deps.User.
func New(deps Deps) Model {
	k := keys.DefaultKeyMap()
	return Model{
		deps:         deps,
		currentView:  ViewOutbox,
		keys:         k,
		outboxView:   outboxview.New(deps.Outbox, deps.Clock, k, deps.User.ID, 80, 24),
		detailView:   detail.New(k, deps.User.ID, 80, 24),
		composeView:  composer.New(deps.Session, deps.User.ID, 80, 24),
		scheduleView: schedule.New(80, 24),
		settingsView: settings.New(deps.Config, settings.Saver{Path: deps.ConfigPath},
			deps.User.Email, deps.Log, 80, 24),
		helpView:    helpview.New(k, 80, 24),
		commandView: command.New(80, 24),
	}
}

// Init loads the outbox and subscribes to dispatch results.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.outboxView.Init()}
	if m.deps.Engine != nil {
		cmds = append(cmds, m.deps.Engine.WaitForResult())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.outboxView.SetSize(w, h)
		m.detailView.SetSize(w, h)
		m.composeView.SetSize(w, h)
		m.scheduleView.SetSize(w, h)
		m.settingsView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case dispatch.SweepResult:
		result := msg
		m.lastSweep = &result
		cmds := []tea.Cmd{m.deps.Engine.WaitForResult()}
		if result.Sent+result.Failed+result.Retrying > 0 {
			cmds = append(cmds, m.outboxView.Load())
		}
		return m, tea.Batch(cmds...)

	case outboxview.OpenMsg:
		m.notice = ""
		m.detailView.SetMessage(msg.Message)
		m.currentView = ViewDetail
		return m, nil

	case detail.BackMsg:
		m.currentView = ViewOutbox
		return m, m.outboxView.Load()

	case composer.FinalizedMsg:
		m.currentView = ViewOutbox
		m.notice = finalizeNotice(msg)
		return m, m.outboxView.Load()

	case composer.CancelMsg:
		m.currentView = ViewOutbox
		return m, nil

	case outboxview.EditScheduleMsg:
		m.previousView = m.currentView
		m.currentView = ViewSchedule
		return m, m.scheduleView.Start(msg.Message)

	case schedule.SavedMsg:
		return m, m.saveSchedule(msg)

	case schedule.CancelMsg:
		m.currentView = ViewOutbox
		return m, nil

	case scheduleSavedMsg:
		if errors.Is(msg.err, model.ErrInvalidSchedule) {
			return m, m.scheduleView.SetError(msg.err)
		}
		m.currentView = ViewOutbox
		m.notice = noticeFor("Schedule updated", msg.err)
		return m, m.outboxView.Load()

	case settings.ConfigDoneMsg:
		m.currentView = ViewOutbox
		switch {
		case msg.Err != nil:
			m.notice = "Error: " + msg.Err.Error()
		case msg.Saved:
			m.deps.Config = msg.Config
			m.settingsView.SetConfig(msg.Config)
			m.notice = "Settings saved, restart to apply"
		}
		return m, nil

	case outboxview.ToggleActiveMsg:
		return m, m.toggleActive(msg)

	case outboxview.DeleteMsg:
		return m, m.deleteMessage(msg.MessageID)

	case actionDoneMsg:
		m.notice = noticeFor(msg.notice, msg.err)
		m.currentView = ViewOutbox
		return m, m.outboxView.Load()

	case command.CommandMsg:
		m.currentView = m.previousView
		return m, m.executeCommand(string(msg))

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKey(msg); handled {
			return m, cmd
		}
	}

	return m.updateActiveView(msg)
}

// handleGlobalKey processes keys that work outside of text input.
func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	if msg.String() == "ctrl+c" {
		return m.quit(), true
	}

	// Forms own every other key.
	if m.currentView == ViewCompose || m.currentView == ViewSchedule || m.currentView == ViewSettings {
		return nil, false
	}

	switch msg.String() {
	case "q":
		if m.currentView == ViewOutbox {
			return m.quit(), true
		}
	case "esc":
		if m.currentView == ViewHelp || m.currentView == ViewCommand {
			m.currentView = m.previousView
			return nil, true
		}
	case "?":
		if m.currentView == ViewCommand {
			return nil, false
		}
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
			return nil, true
		}
		m.previousView = m.currentView
		m.currentView = ViewHelp
		return nil, true
	case ":":
		if m.currentView == ViewCommand {
			return nil, false
		}
		m.previousView = m.currentView
		m.currentView = ViewCommand
		return m.commandView.Focus(), true
	}

	if m.currentView != ViewOutbox {
		return nil, false
	}

	switch msg.String() {
	case "n":
		return m.startCompose(), true
	case "S":
		return m.triggerSweep(), true
	case "c":
		return m.startSettings(), true
	}
	return nil, false
}

func (m *Model) startCompose() tea.Cmd {
	m.notice = ""
	m.previousView = m.currentView
	m.currentView = ViewCompose
	return m.composeView.Start()
}

func (m *Model) startSettings() tea.Cmd {
	if m.deps.Config == nil {
		m.notice = "Settings are unavailable"
		return nil
	}
	m.notice = ""
	m.currentView = ViewSettings
	return m.settingsView.Start()
}

func (m *Model) triggerSweep() tea.Cmd {
	if m.deps.Engine == nil {
		m.notice = "Dispatcher runs in another process"
		return nil
	}
	m.deps.Engine.Trigger()
	m.notice = "Dispatch requested"
	return nil
}

func (m *Model) quit() tea.Cmd {
	if m.deps.Engine != nil {
		m.deps.Engine.Stop()
	}
	return tea.Quit
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewOutbox:
		m.outboxView, cmd = m.outboxView.Update(msg)
	case ViewDetail:
		m.detailView, cmd = m.detailView.Update(msg)
	case ViewCompose:
		m.composeView, cmd = m.composeView.Update(msg)
	case ViewSchedule:
		m.scheduleView, cmd = m.scheduleView.Update(msg)
	case ViewSettings:
		m.settingsView, cmd = m.settingsView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := fmt.Sprintf("Mail Scheduler · %s", m.deps.User.Username)
	header := m.layout.RenderHeader(title, m.engineStatus())
	statusBar := m.layout.RenderStatusBar(m.statusLine())

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewOutbox:
		return m.outboxView.View()
	case ViewDetail:
		return m.detailView.View()
	case ViewCompose:
		return m.composeView.View()
	case ViewSchedule:
		return m.scheduleView.View()
	case ViewSettings:
		return m.settingsView.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewCommand:
		return m.commandView.View()
	default:
		return ""
	}
}

// engineStatus summarizes the dispatcher for the header.
func (m Model) engineStatus() string {
	if m.deps.Engine == nil {
		return "dispatch: external"
	}
	status := m.deps.Engine.Status()
	switch {
	case status.Sweeping:
		return "dispatching..."
	case !status.Running:
		return "dispatch: stopped"
	case m.lastSweep == nil:
		return "dispatch: idle"
	}

	r := m.lastSweep
	if r.Err != nil {
		return "dispatch: error"
	}
	return fmt.Sprintf("last sweep %s · sent %d · retry %d · failed %d",
		r.StartedAt.Local().Format("15:04:05"), r.Sent, r.Retrying, r.Failed)
}

// statusLine returns the notice or keyboard hints for the status bar.
func (m Model) statusLine() string {
	if m.notice != "" && m.currentView == ViewOutbox {
		return m.notice
	}

	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewCommand:
		return "enter execute | tab complete | esc back"
	case ViewDetail:
		return "esc back | j/k scroll | e reschedule | p pause | d delete"
	case ViewCompose, ViewSchedule, ViewSettings:
		return "enter next | shift+tab back | esc cancel"
	default:
		return "q quit | ? help | n compose | enter open | tab view | e reschedule | p pause | d delete | S dispatch | c settings"
	}
}

type scheduleSavedMsg struct {
	err error
}

func (m Model) saveSchedule(msg schedule.SavedMsg) tea.Cmd {
	svc := m.deps.Outbox
	userID := m.deps.User.ID
	return func() tea.Msg {
		_, err := svc.EditSchedule(context.Background(), userID, msg.MessageID, msg.At, msg.Active)
		return scheduleSavedMsg{err: err}
	}
}

func (m Model) toggleActive(msg outboxview.ToggleActiveMsg) tea.Cmd {
	svc := m.deps.Outbox
	userID := m.deps.User.ID
	return func() tea.Msg {
		_, err := svc.SetActive(context.Background(), userID, msg.MessageID, msg.Active)
		notice := "Schedule paused"
		if msg.Active {
			notice = "Schedule resumed"
		}
		return actionDoneMsg{notice: notice, err: err}
	}
}

func (m Model) deleteMessage(id string) tea.Cmd {
	svc := m.deps.Outbox
	userID := m.deps.User.ID
	return func() tea.Msg {
		err := svc.Delete(context.Background(), userID, id)
		return actionDoneMsg{notice: "Message deleted", err: err}
	}
}

func (m Model) purgeFailed() tea.Cmd {
	svc := m.deps.Outbox
	userID := m.deps.User.ID
	return func() tea.Msg {
		ctx := context.Background()
		failed, err := svc.ListFailed(ctx, userID)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		ids := make([]string, len(failed))
		for i, msg := range failed {
			ids[i] = msg.ID
		}
		n, err := svc.DeleteMany(ctx, userID, ids)
		return actionDoneMsg{notice: fmt.Sprintf("Deleted %d failed messages", n), err: err}
	}
}

func (m Model) setStyle(style string) tea.Cmd {
	s := m.deps.Store
	userID := m.deps.User.ID
	return func() tea.Msg {
		err := s.SetPreferences(context.Background(), model.Preferences{
			UserID:       userID,
			WritingStyle: style,
		})
		return actionDoneMsg{notice: "Default style set to " + style, err: err}
	}
}

// executeCommand handles a command string from the command palette.
func (m *Model) executeCommand(cmd string) tea.Cmd {
	if style, ok := strings.CutPrefix(cmd, "style "); ok {
		return m.setStyle(strings.TrimSpace(style))
	}

	switch cmd {
	case "compose", "new":
		return m.startCompose()
	case "settings":
		return m.startSettings()
	case "sweep", "dispatch":
		return m.triggerSweep()
	case "purge failed":
		return m.purgeFailed()
	case "quit", "q":
		return m.quit()
	}

	for i, v := range outbox.Views {
		if cmd == string(v) {
			m.currentView = ViewOutbox
			return m.outboxView.SelectTab(i)
		}
	}

	m.notice = fmt.Sprintf("Unknown command %q", cmd)
	return nil
}

func finalizeNotice(msg composer.FinalizedMsg) string {
	if msg.Err != nil {
		if errors.Is(msg.Err, compose.ErrDeliveryFailed) {
			return "Delivery failed: " + msg.Err.Error()
		}
		return "Error: " + msg.Err.Error()
	}
	if msg.Message == nil {
		return ""
	}
	if msg.Message.IsScheduled() {
		return "Scheduled for " + msg.Message.ScheduledAt.Local().Format(composer.TimeLayout)
	}
	return "Sent to " + msg.Message.RecipientAddress
}

func noticeFor(ok string, err error) string {
	if err == nil {
		return ok
	}
	switch {
	case errors.Is(err, store.ErrNotEditable):
		return "That message can no longer be changed"
	case errors.Is(err, store.ErrNotFound):
		return "Message not found"
	default:
		return "Error: " + err.Error()
	}
}
