// Command mailscheduler composes, schedules and delivers email from the
// terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/nhle/mailscheduler/internal/ai"
	"github.com/nhle/mailscheduler/internal/clock"
	"github.com/nhle/mailscheduler/internal/compose"
	"github.com/nhle/mailscheduler/internal/credential"
	"github.com/nhle/mailscheduler/internal/dispatch"
	"github.com/nhle/mailscheduler/internal/logging"
	"github.com/nhle/mailscheduler/internal/mail"
	"github.com/nhle/mailscheduler/internal/model"
	"github.com/nhle/mailscheduler/internal/outbox"
	"github.com/nhle/mailscheduler/internal/store"
)

const usage = `Usage: mailscheduler [global flags] <command> [flags]

Commands:
  user add     register a local account
  users        list accounts
  send         compose and send or schedule a message
  draft        ask the writing assistant for a body
  list         list messages in a view
  show         print one message
  reschedule   change the time or pause state of a scheduled message
  delete       delete messages
  prefs        show or set the default writing style
  sweep        run one dispatch sweep and exit
  dispatch     run the dispatcher until interrupted
  tui          open the terminal interface
  credential   store a secret in the system keyring

Global flags:
`

// globals are flags accepted before the command name.
type globals struct {
	configPath string
	dbPath     string
	logLevel   string
}

// runtime holds the wired services for one invocation.
type runtime struct {
	cfg        *model.AppConfig
	configPath string
	log        zerolog.Logger
	store      *store.SQLiteStore
	clock      clock.Clock
	sender     mail.Sender
	session    *compose.Session
	outbox     *outbox.Service
	engine     *dispatch.Engine
	stdout     io.Writer
}

func main() {
	loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// loadDotEnv loads .env.local then .env. Variables already set in the
// environment win.
func loadDotEnv() {
	var found []string
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err == nil {
			found = append(found, f)
		}
	}
	if len(found) > 0 {
		_ = godotenv.Load(found...)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var g globals
	fs := flag.NewFlagSet("mailscheduler", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVar(&g.configPath, "config", model.DefaultConfigPath(), "config file path")
	fs.StringVar(&g.dbPath, "db", "", "database path (overrides config)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	name, cmdArgs := rest[0], rest[1:]
	if name == "credential" {
		return runCredential(cmdArgs, stdout)
	}

	rt, err := setup(g, stdout)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	switch name {
	case "user":
		return rt.runUser(ctx, cmdArgs)
	case "users":
		return rt.runUsers(ctx, cmdArgs)
	case "send":
		return rt.runSend(ctx, cmdArgs)
	case "draft":
		return rt.runDraft(ctx, cmdArgs)
	case "list":
		return rt.runList(ctx, cmdArgs)
	case "show":
		return rt.runShow(ctx, cmdArgs)
	case "reschedule":
		return rt.runReschedule(ctx, cmdArgs)
	case "delete":
		return rt.runDelete(ctx, cmdArgs)
	case "prefs":
		return rt.runPrefs(ctx, cmdArgs)
	case "sweep":
		return rt.runSweep(ctx)
	case "dispatch":
		return rt.runDispatch(ctx)
	case "tui":
		return rt.runTUI(ctx, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}
}

// setup loads configuration and wires every service.
func setup(g globals, stdout io.Writer) (*runtime, error) {
	cfg, err := model.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	sender := newSender(cfg, log)

	var assist compose.Assistant
	if key, err := credential.Lookup(credential.KeyAPIKey); err == nil && key != "" {
		assist = ai.New(key, ai.Options{
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
			Timeout:   cfg.AI.Timeout(),
			BaseURL:   cfg.AI.BaseURL,
		})
	} else {
		log.Debug().Err(err).Msg("writing assistant disabled")
	}

	from := cfg.SMTP.From
	if from == "" {
		from = cfg.SMTP.Username
	}

	session := compose.NewSession(s, assist, sender, clk, compose.Options{
		From:          from,
		AssistTimeout: cfg.AI.Timeout(),
		SendTimeout:   cfg.SMTP.Timeout(),
	}, logging.Component(log, "compose"))

	engine := dispatch.New(s, sender, clk, dispatch.Config{
		Interval:     cfg.Dispatch.Interval(),
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		ClaimTimeout: cfg.Dispatch.ClaimTimeout(),
		BatchSize:    cfg.Dispatch.BatchSize,
		Workers:      cfg.Dispatch.Workers,
		SendTimeout:  cfg.SMTP.Timeout(),
		From:         from,
	}, logging.Component(log, "dispatch"))

	return &runtime{
		cfg:        cfg,
		configPath: g.configPath,
		log:        log,
		store:      s,
		clock:      clk,
		sender:     sender,
		session:    session,
		outbox:     outbox.New(s, clk, logging.Component(log, "outbox")),
		engine:     engine,
		stdout:     stdout,
	}, nil
}

// newSender builds the SMTP transport with an optional IMAP Sent copy.
// Missing passwords are logged, not fatal: commands that never send still work.
func newSender(cfg *model.AppConfig, log zerolog.Logger) mail.Sender {
	password, err := credential.Lookup(credential.KeySMTPPassword)
	if err != nil && cfg.SMTP.Username != "" {
		log.Warn().Err(err).Msg("no SMTP password configured")
	}

	var archiver mail.Archiver
	if cfg.IMAP.Enabled {
		imapPassword, err := credential.Lookup(credential.KeyIMAPPassword)
		if err != nil {
			log.Warn().Err(err).Msg("no IMAP password configured, sent copies disabled")
		} else {
			username := cfg.IMAP.Username
			if username == "" {
				username = cfg.SMTP.Username
			}
			archiver = mail.NewIMAPArchiver(
				cfg.IMAP.Host, cfg.IMAP.Port, username, imapPassword,
				cfg.IMAP.TLS, cfg.IMAP.SentMailbox,
			)
		}
	}

	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: password,
		From:     cfg.SMTP.From,
		TLS:      cfg.SMTP.TLS,
		Timeout:  cfg.SMTP.Timeout(),
	}, archiver, logging.Component(log, "smtp"))
}
