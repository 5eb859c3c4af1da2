package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/nhle/mailscheduler/internal/app"
	"github.com/nhle/mailscheduler/internal/compose"
	"github.com/nhle/mailscheduler/internal/credential"
	"github.com/nhle/mailscheduler/internal/logging"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/outbox"
	"github.com/nhle/mailscheduler/internal/theme"
	"github.com/nhle/mailscheduler/internal/ui/composer"
)

// errActorRequired is returned when a command needs --as and none was given.
var errActorRequired = errors.New("--as <username or email> is required")

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// actor resolves the acting account from a username or email.
func (rt *runtime) actor(ctx context.Context, handle string) (*model.User, error) {
	if handle == "" {
		handle = os.Getenv("MAILSCHEDULER_USER")
	}
	if handle == "" {
		return nil, errActorRequired
	}

	users, err := rt.store.FindUsersByHandle(ctx, handle, "")
	if err != nil {
		return nil, err
	}
	switch len(users) {
	case 0:
		return nil, fmt.Errorf("no account matches %q", handle)
	case 1:
		return &users[0], nil
	default:
		return nil, fmt.Errorf("%q matches more than one account, use the email", handle)
	}
}

// parseWhen accepts either an absolute local time or a relative offset.
func parseWhen(at, in string, now time.Time) (*time.Time, error) {
	switch {
	case at != "" && in != "":
		return nil, errors.New("use either --at or --in, not both")
	case at != "":
		t, err := time.ParseInLocation(composer.TimeLayout, at, time.Local)
		if err != nil {
			return nil, fmt.Errorf("parsing --at (want %q): %w", composer.TimeLayout, err)
		}
		return &t, nil
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil {
			return nil, fmt.Errorf("parsing --in: %w", err)
		}
		t := now.Add(d)
		return &t, nil
	}
	return nil, nil
}

func (rt *runtime) runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: mailscheduler user add --username NAME --email ADDR")
	}

	fs := newFlagSet("user add")
	username := fs.String("username", "", "unique username")
	email := fs.String("email", "", "unique email address")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *username == "" || *email == "" {
		return errors.New("--username and --email are required")
	}

	u, err := rt.store.CreateUser(ctx, model.User{
		ID:          uuid.New().String(),
		Username:    *username,
		Email:       *email,
		DisplayName: *name,
		CreatedAt:   rt.clock.Now(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(rt.stdout, "created %s\n", u.Handle())
	return nil
}

func (rt *runtime) runUsers(ctx context.Context, args []string) error {
	fs := newFlagSet("users")
	if err := fs.Parse(args); err != nil {
		return err
	}

	users, err := rt.store.ListUsers(ctx, "")
	if err != nil {
		return err
	}

	t := newTable("USERNAME", "EMAIL", "NAME")
	for _, u := range users {
		t.Row(u.Username, u.Email, u.DisplayName)
	}
	fmt.Fprintln(rt.stdout, t.Render())
	return nil
}

func (rt *runtime) runSend(ctx context.Context, args []string) error {
	fs := newFlagSet("send")
	as := fs.String("as", "", "sending account")
	to := fs.String("to", "", "recipient username or email")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", "message body")
	bodyFile := fs.String("body-file", "", "read the body from a file (- for stdin)")
	prompt := fs.String("prompt", "", "let the writing assistant write the body")
	improve := fs.Bool("improve", false, "let the writing assistant polish the body")
	style := fs.String("style", "", "writing style for the assistant")
	at := fs.String("at", "", "send at local time "+composer.TimeLayout)
	in := fs.Duration("in", 0, "send after this delay, e.g. 30m")
	paused := fs.Bool("paused", false, "store the schedule paused")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sender, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	text := *body
	if *bodyFile != "" {
		if text, err = readBody(*bodyFile); err != nil {
			return err
		}
	}

	aiGenerated := false
	switch {
	case *prompt != "":
		text, err = rt.session.GenerateDraft(ctx, *prompt, *style, sender.ID)
		aiGenerated = true
	case *improve:
		text, err = rt.session.ImproveDraft(ctx, text, *style, sender.ID)
		aiGenerated = true
	}
	if err != nil {
		return err
	}

	var inStr string
	if *in > 0 {
		inStr = in.String()
	}
	when, err := parseWhen(*at, inStr, rt.clock.Now())
	if err != nil {
		return err
	}

	sub := compose.Submission{
		SenderID:        sender.ID,
		RecipientHandle: *to,
		Subject:         *subject,
		Body:            text,
		IsAIGenerated:   aiGenerated,
		DeliveryMode:    model.DeliveryImmediate,
	}
	if when != nil {
		active := !*paused
		sub.DeliveryMode = model.DeliveryScheduled
		sub.ScheduledAt = when
		sub.ScheduleActive = &active
	}

	msg, err := rt.session.Finalize(ctx, sub)
	if err != nil {
		var notFound *compose.RecipientNotFoundError
		if errors.As(err, &notFound) && len(notFound.Suggestions) > 0 {
			fmt.Fprintln(rt.stdout, "known recipients:")
			for _, s := range notFound.Suggestions {
				fmt.Fprintln(rt.stdout, "  "+s)
			}
		}
		return err
	}

	if msg.IsScheduled() {
		state := "active"
		if !msg.ScheduleActive {
			state = "paused"
		}
		fmt.Fprintf(rt.stdout, "%s scheduled for %s (%s)\n",
			msg.ID, msg.ScheduledAt.Local().Format(composer.TimeLayout), state)
		return nil
	}
	fmt.Fprintf(rt.stdout, "%s sent to %s\n", msg.ID, msg.RecipientAddress)
	return nil
}

func readBody(path string) (string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening body file: %w", err)
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return string(b), nil
}

func (rt *runtime) runDraft(ctx context.Context, args []string) error {
	fs := newFlagSet("draft")
	as := fs.String("as", "", "acting account")
	prompt := fs.String("prompt", "", "what the email should say")
	improveFile := fs.String("improve", "", "polish the draft in this file (- for stdin)")
	style := fs.String("style", "", "writing style")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	var text string
	switch {
	case *improveFile != "":
		draft, err := readBody(*improveFile)
		if err != nil {
			return err
		}
		text, err = rt.session.ImproveDraft(ctx, draft, *style, user.ID)
		if err != nil {
			return err
		}
	case *prompt != "":
		text, err = rt.session.GenerateDraft(ctx, *prompt, *style, user.ID)
		if err != nil {
			return err
		}
	default:
		return errors.New("--prompt or --improve is required")
	}

	fmt.Fprintln(rt.stdout, text)
	return nil
}

func (rt *runtime) runList(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	as := fs.String("as", "", "acting account")
	view := fs.String("view", string(outbox.ViewOutbox), "outbox, scheduled, sent, failed or received")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	msgs, err := rt.outbox.List(ctx, user.ID, outbox.View(*view))
	if err != nil {
		return err
	}

	t := newTable("ID", "TO", "SUBJECT", "STATUS", "WHEN")
	for _, m := range msgs {
		t.Row(m.ID, m.RecipientAddress, truncate(m.Subject, 40), statusLabel(m), whenLabel(m))
	}
	fmt.Fprintln(rt.stdout, t.Render())
	return nil
}

func (rt *runtime) runShow(ctx context.Context, args []string) error {
	fs := newFlagSet("show")
	as := fs.String("as", "", "acting account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mailscheduler show --as USER ID")
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}
	m, err := rt.outbox.Get(ctx, user.ID, fs.Arg(0))
	if err != nil {
		return err
	}

	w := bufio.NewWriter(rt.stdout)
	fmt.Fprintf(w, "ID:       %s\n", m.ID)
	fmt.Fprintf(w, "To:       %s\n", m.RecipientAddress)
	fmt.Fprintf(w, "Subject:  %s\n", m.Subject)
	fmt.Fprintf(w, "Status:   %s\n", statusLabel(*m))
	fmt.Fprintf(w, "When:     %s\n", whenLabel(*m))
	if m.IsAIGenerated {
		fmt.Fprintln(w, "Drafted:  with the writing assistant")
	}
	if m.LastError != "" {
		fmt.Fprintf(w, "Error:    %s (%d failed attempts)\n", m.LastError, m.FailedAttempts)
	}
	fmt.Fprintf(w, "\n%s\n", m.Body)
	return w.Flush()
}

func (rt *runtime) runReschedule(ctx context.Context, args []string) error {
	fs := newFlagSet("reschedule")
	as := fs.String("as", "", "acting account")
	at := fs.String("at", "", "new local send time "+composer.TimeLayout)
	in := fs.String("in", "", "send after this delay from now")
	pause := fs.Bool("pause", false, "pause the schedule")
	resume := fs.Bool("resume", false, "resume the schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mailscheduler reschedule --as USER [--at T | --in D] [--pause | --resume] ID")
	}
	if *pause && *resume {
		return errors.New("use either --pause or --resume")
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}
	id := fs.Arg(0)

	when, err := parseWhen(*at, *in, rt.clock.Now())
	if err != nil {
		return err
	}

	if when == nil && !*pause && !*resume {
		return errors.New("nothing to change")
	}

	var m *model.Message
	if when == nil {
		m, err = rt.outbox.SetActive(ctx, user.ID, id, *resume)
	} else {
		m, err = rt.reschedule(ctx, user.ID, id, *when, *pause, *resume)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(rt.stdout, "%s %s\n", m.ID, whenLabel(*m))
	return nil
}

// reschedule moves a schedule to at, keeping its active flag unless
// pause or resume says otherwise.
func (rt *runtime) reschedule(
	ctx context.Context, userID, id string, at time.Time, pause, resume bool,
) (*model.Message, error) {
	current, err := rt.outbox.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	active := current.ScheduleActive
	if pause || resume {
		active = resume
	}
	return rt.outbox.EditSchedule(ctx, userID, id, at, active)
}

func (rt *runtime) runDelete(ctx context.Context, args []string) error {
	fs := newFlagSet("delete")
	as := fs.String("as", "", "acting account")
	failed := fs.Bool("failed", false, "delete every failed message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	ids := fs.Args()
	if *failed {
		msgs, err := rt.outbox.ListFailed(ctx, user.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return errors.New("no messages to delete")
	}

	n, err := rt.outbox.DeleteMany(ctx, user.ID, ids)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.stdout, "deleted %d of %d\n", n, len(ids))
	return nil
}

func (rt *runtime) runPrefs(ctx context.Context, args []string) error {
	fs := newFlagSet("prefs")
	as := fs.String("as", "", "acting account")
	style := fs.String("style", "", "default writing style: "+strings.Join(model.WritingStyles, ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	if *style != "" {
		err := rt.store.SetPreferences(ctx, model.Preferences{
			UserID:       user.ID,
			WritingStyle: *style,
		})
		if err != nil {
			return err
		}
	}

	prefs, err := rt.store.GetPreferences(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.stdout, "writing style: %s\n", prefs.WritingStyle)
	return nil
}

func (rt *runtime) runSweep(ctx context.Context) error {
	r := rt.engine.Sweep(ctx)
	fmt.Fprintf(rt.stdout, "due %d, sent %d, retrying %d, failed %d, conflicts %d, released %d\n",
		r.Due, r.Sent, r.Retrying, r.Failed, r.Conflicts, r.Released)
	return r.Err
}

// runDispatch runs the engine until ctx is cancelled by a signal.
func (rt *runtime) runDispatch(ctx context.Context) error {
	rt.log.Info().
		Dur("interval", rt.cfg.Dispatch.Interval()).
		Int("workers", rt.cfg.Dispatch.Workers).
		Msg("dispatcher started")

	rt.engine.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			rt.engine.Stop()
			rt.log.Info().Msg("dispatcher stopped")
			return nil
		case r := <-rt.engine.Results():
			if r.Err != nil {
				rt.log.Error().Err(r.Err).Msg("sweep failed")
			}
		}
	}
}

func (rt *runtime) runTUI(ctx context.Context, args []string) error {
	fs := newFlagSet("tui")
	as := fs.String("as", "", "acting account")
	noDispatch := fs.Bool("no-dispatch", false, "leave delivery to a separate dispatch process")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := rt.actor(ctx, *as)
	if err != nil {
		return err
	}

	// The terminal belongs to the UI; logs go to a file next to the database.
	logFile, err := os.OpenFile(rt.cfg.Database.Path+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err == nil {
		defer logFile.Close()
		rt.log = logging.New(rt.cfg.Log.Level, "json", logFile)
	}

	deps := app.Deps{
		Store:   rt.store,
		Session: rt.session,
		Outbox:  rt.outbox,
		Clock:   rt.clock,
		User:    user,
		Log:     rt.log,

		Config:     rt.cfg,
		ConfigPath: rt.configPath,
	}
	if !*noDispatch {
		deps.Engine = rt.engine
		rt.engine.Start(ctx)
		defer rt.engine.Stop()
	}

	p := tea.NewProgram(app.New(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// runCredential stores a secret read from stdin in the system keyring.
func runCredential(args []string, stdout io.Writer) error {
	if len(args) != 2 || (args[0] != "set" && args[0] != "delete") {
		return fmt.Errorf("usage: mailscheduler credential set|delete <%s|%s|%s>",
			credential.KeySMTPPassword, credential.KeyIMAPPassword, credential.KeyAPIKey)
	}
	key := args[1]

	if args[0] == "delete" {
		if err := credential.Delete(key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", key)
		return nil
	}

	fmt.Fprintf(stdout, "value for %s: ", key)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading value: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return errors.New("empty value")
	}
	if err := credential.Set(key, value); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s\n", key)
	return nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.HeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func statusLabel(m model.Message) string {
	status := string(m.DisplayStatus())
	if m.IsScheduled() && !m.ScheduleActive && m.DisplayStatus() == model.StatusPending {
		status += " (paused)"
	}
	return status
}

func whenLabel(m model.Message) string {
	switch {
	case m.SentAt != nil:
		return "sent " + m.SentAt.Local().Format(composer.TimeLayout)
	case m.ScheduledAt != nil:
		return "at " + m.ScheduledAt.Local().Format(composer.TimeLayout)
	default:
		return "created " + m.CreatedAt.Local().Format(composer.TimeLayout)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
