package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailscheduler/internal/credential"
	"github.com/nhle/mailscheduler/internal/mail"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/theme"
)

// ConfigMode represents the current state of the settings view.
type ConfigMode int

const (
	ModeForm           ConfigMode = iota // Editing settings
	ModeValidating                       // Sending a test message
	ModeValidateResult                   // Show test result
)

// ConfigDoneMsg signals the settings view should close. Saved reports
// whether anything was written.
type ConfigDoneMsg struct {
	Saved  bool
	Config *model.AppConfig
	Err    error
}

// ValidateResultMsg carries the result of a test delivery.
type ValidateResultMsg struct {
	Err error
}

// Saver persists the configuration and the secrets that stay out of it.
type Saver struct {
	Path string
	// SaveConfig defaults to model.SaveConfig.
	SaveConfig func(path string, cfg *model.AppConfig) error
	// SetSecret defaults to credential.Set.
	SetSecret func(key, value string) error
}

func (s Saver) save(cfg *model.AppConfig, smtpPassword, imapPassword string) error {
	setSecret := s.SetSecret
	if setSecret == nil {
		setSecret = credential.Set
	}
	saveConfig := s.SaveConfig
	if saveConfig == nil {
		saveConfig = model.SaveConfig
	}

	if smtpPassword != "" {
		if err := setSecret(credential.KeySMTPPassword, smtpPassword); err != nil {
			return fmt.Errorf("saving SMTP password: %w", err)
		}
	}
	if imapPassword != "" {
		if err := setSecret(credential.KeyIMAPPassword, imapPassword); err != nil {
			return fmt.Errorf("saving IMAP password: %w", err)
		}
	}
	return saveConfig(s.Path, cfg)
}

// formBindings holds the string/bool values huh writes into.
type formBindings struct {
	smtpHost     string
	smtpPort     string
	smtpUsername string
	smtpPassword string
	smtpFrom     string
	smtpTLS      bool

	imapEnabled  bool
	imapHost     string
	imapPort     string
	imapPassword string
	imapMailbox  string

	interval    string
	maxAttempts string

	action string
}

const (
	actionSave = "save"
	actionTest = "test"
)

// Model is the Bubble Tea model for the mail server settings.
type Model struct {
	mode      ConfigMode
	cfg       *model.AppConfig
	saver     Saver
	testTo    string
	log       zerolog.Logger
	form      *huh.Form
	fb        *formBindings
	spinner   spinner.Model
	statusMsg string
	testErr   error
	width     int
	height    int
}

// New creates a settings view for cfg. Test deliveries go to testTo.
func New(cfg *model.AppConfig, saver Saver, testTo string, log zerolog.Logger, width, height int) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		cfg:     cfg,
		saver:   saver,
		testTo:  testTo,
		log:     log,
		fb:      &formBindings{},
		spinner: sp,
		width:   width,
		height:  height,
	}
}

// Start loads the current settings into a fresh form.
func (m *Model) Start() tea.Cmd {
	m.fb = bindingsFrom(m.cfg)
	m.mode = ModeForm
	m.statusMsg = ""
	m.testErr = nil
	m.form = m.buildForm()
	return m.form.Init()
}

func bindingsFrom(cfg *model.AppConfig) *formBindings {
	return &formBindings{
		smtpHost:     cfg.SMTP.Host,
		smtpPort:     cfg.SMTP.Port,
		smtpUsername: cfg.SMTP.Username,
		smtpFrom:     cfg.SMTP.From,
		smtpTLS:      cfg.SMTP.TLS,
		imapEnabled:  cfg.IMAP.Enabled,
		imapHost:     cfg.IMAP.Host,
		imapPort:     cfg.IMAP.Port,
		imapMailbox:  cfg.IMAP.SentMailbox,
		interval:     strconv.Itoa(cfg.Dispatch.IntervalSec),
		maxAttempts:  strconv.Itoa(cfg.Dispatch.MaxAttempts),
		action:       actionSave,
	}
}

// apply returns a copy of cfg with the form values written over it.
func (fb *formBindings) apply(cfg model.AppConfig) (*model.AppConfig, error) {
	interval, err := strconv.Atoi(fb.interval)
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	attempts, err := strconv.Atoi(fb.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("max attempts: %w", err)
	}

	cfg.SMTP.Host = strings.TrimSpace(fb.smtpHost)
	cfg.SMTP.Port = strings.TrimSpace(fb.smtpPort)
	cfg.SMTP.Username = strings.TrimSpace(fb.smtpUsername)
	cfg.SMTP.From = strings.TrimSpace(fb.smtpFrom)
	cfg.SMTP.TLS = fb.smtpTLS
	cfg.IMAP.Enabled = fb.imapEnabled
	cfg.IMAP.Host = strings.TrimSpace(fb.imapHost)
	cfg.IMAP.Port = strings.TrimSpace(fb.imapPort)
	cfg.IMAP.SentMailbox = strings.TrimSpace(fb.imapMailbox)
	cfg.Dispatch.IntervalSec = interval
	cfg.Dispatch.MaxAttempts = attempts

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Update handles messages for the settings view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.mode != ModeValidating {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ValidateResultMsg:
		m.mode = ModeValidateResult
		m.testErr = msg.Err
		return m, nil

	case tea.KeyMsg:
		if m.mode == ModeValidateResult {
			// Any key returns to the form with the values kept.
			m.mode = ModeForm
			m.form = m.buildForm()
			return m, m.form.Init()
		}
		if m.mode == ModeValidating {
			return m, nil
		}
	}

	if m.mode != ModeForm || m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateAborted:
		return m, func() tea.Msg { return ConfigDoneMsg{} }
	case huh.StateCompleted:
		return m.handleAction()
	}
	return m, cmd
}

func (m Model) handleAction() (Model, tea.Cmd) {
	cfg, err := m.fb.apply(*m.cfg)
	if err != nil {
		m.statusMsg = err.Error()
		m.form = m.buildForm()
		return m, m.form.Init()
	}

	if m.fb.action == actionTest {
		m.mode = ModeValidating
		return m, tea.Batch(m.spinner.Tick, m.sendTest(cfg))
	}

	saver := m.saver
	smtpPassword, imapPassword := m.fb.smtpPassword, m.fb.imapPassword
	return m, func() tea.Msg {
		if err := saver.save(cfg, smtpPassword, imapPassword); err != nil {
			return ConfigDoneMsg{Err: err}
		}
		return ConfigDoneMsg{Saved: true, Config: cfg}
	}
}

// sendTest delivers a short message to the user with the edited settings.
func (m Model) sendTest(cfg *model.AppConfig) tea.Cmd {
	password := m.fb.smtpPassword
	to := m.testTo
	log := m.log
	return func() tea.Msg {
		if password == "" {
			stored, err := credential.Lookup(credential.KeySMTPPassword)
			if err != nil && !errors.Is(err, credential.ErrNotFound) {
				return ValidateResultMsg{Err: err}
			}
			password = stored
		}

		sender := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: password,
			From:     cfg.SMTP.From,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.SMTP.Timeout(),
		}, nil, log)

		from := cfg.SMTP.From
		if from == "" {
			from = cfg.SMTP.Username
		}
		err := sender.Send(context.Background(), mail.Envelope{
			MessageID: mail.MessageIDFor("test-"+uuid.New().String(), from),
			To:        to,
			Subject:   "Mail Scheduler test message",
			TextBody:  "Your outgoing mail settings work.",
			Date:      time.Now(),
		})
		return ValidateResultMsg{Err: err}
	}
}

func (m *Model) buildForm() *huh.Form {
	fb := m.fb
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("SMTP Host").
				Placeholder("smtp.example.com").
				Value(&fb.smtpHost).
				Validate(validateRequired("SMTP Host")),
			huh.NewInput().
				Title("SMTP Port").
				Description("587 for STARTTLS, 465 for TLS").
				Value(&fb.smtpPort).
				Validate(validatePort),
			huh.NewInput().
				Title("Username").
				Placeholder("user@example.com").
				Value(&fb.smtpUsername),
			huh.NewInput().
				Title("Password").
				Description("Leave empty to keep the stored password").
				EchoMode(huh.EchoModePassword).
				Value(&fb.smtpPassword),
			huh.NewInput().
				Title("From").
				Description("Defaults to the username").
				Value(&fb.smtpFrom),
			huh.NewConfirm().
				Title("Implicit TLS").
				Affirmative("Yes").
				Negative("No").
				Value(&fb.smtpTLS),
		).Title("Outgoing mail"),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Copy sent mail to IMAP").
				Affirmative("Yes").
				Negative("No").
				Value(&fb.imapEnabled),
			huh.NewInput().
				Title("IMAP Host").
				Placeholder("imap.example.com").
				Value(&fb.imapHost),
			huh.NewInput().
				Title("IMAP Port").
				Value(&fb.imapPort).
				Validate(validatePort),
			huh.NewInput().
				Title("IMAP Password").
				Description("Leave empty to keep the stored password").
				EchoMode(huh.EchoModePassword).
				Value(&fb.imapPassword),
			huh.NewInput().
				Title("Sent mailbox").
				Value(&fb.imapMailbox),
		).Title("Sent copies"),
		huh.NewGroup(
			huh.NewInput().
				Title("Dispatch interval (seconds)").
				Value(&fb.interval).
				Validate(validatePositive),
			huh.NewInput().
				Title("Max delivery attempts").
				Value(&fb.maxAttempts).
				Validate(validatePositive),
			huh.NewSelect[string]().
				Title("Action").
				Options(
					huh.NewOption("Save (applies on restart)", actionSave),
					huh.NewOption("Send a test message to "+m.testTo, actionTest),
				).
				Value(&fb.action),
		).Title("Delivery"),
	).WithWidth(m.formWidth()).WithShowHelp(true)
}

// View renders the settings view.
func (m Model) View() string {
	switch m.mode {
	case ModeValidating:
		return m.viewValidating()
	case ModeValidateResult:
		return m.viewValidateResult()
	}

	if m.form == nil {
		return ""
	}
	title := theme.HeaderStyle.Render("Settings")
	parts := []string{title, ""}
	if m.statusMsg != "" {
		parts = append(parts, theme.ErrorStyle.Render(m.statusMsg), "")
	}
	parts = append(parts, m.form.View())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) viewValidating() string {
	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center)
	return style.Render(fmt.Sprintf("%s Sending test message to %s...",
		m.spinner.View(), m.testTo))
}

func (m Model) viewValidateResult() string {
	style := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center)

	var text string
	if m.testErr != nil {
		text = theme.ErrorStyle.Render("Test failed: " + m.testErr.Error())
	} else {
		text = lipgloss.NewStyle().Foreground(theme.ColorGreen).
			Render("Test message sent to " + m.testTo)
	}
	hint := theme.HelpStyle.Render("Press any key to return to the form")
	return style.Render(lipgloss.JoinVertical(lipgloss.Center, text, "", hint))
}

// SetConfig replaces the settings the next Start begins from.
func (m *Model) SetConfig(cfg *model.AppConfig) {
	m.cfg = cfg
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w > 80 {
		w = 80
	}
	if w < 40 {
		w = 40
	}
	return w
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("must be a positive number")
	}
	return nil
}
