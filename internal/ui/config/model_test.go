package config

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailscheduler/internal/credential"
	"github.com/nhle/mailscheduler/internal/model"
)

func testConfig() *model.AppConfig {
	return &model.AppConfig{
		Database: model.DatabaseConfig{Path: "mail.db"},
		Dispatch: model.DispatchConfig{
			IntervalSec: 30, MaxAttempts: 5, ClaimTimeoutSec: 300, BatchSize: 100, Workers: 4,
		},
		AI:   model.AIConfig{TimeoutSec: 30},
		SMTP: model.SMTPConfig{Host: "smtp.example.com", Port: "587", TimeoutSec: 30},
		IMAP: model.IMAPConfig{Port: "993", SentMailbox: "Sent"},
	}
}

func TestBindingsRoundTrip(t *testing.T) {
	cfg := testConfig()
	fb := bindingsFrom(cfg)
	fb.smtpHost = " mail.example.org "
	fb.interval = "60"
	fb.imapEnabled = true

	got, err := fb.apply(*cfg)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", got.SMTP.Host)
	assert.Equal(t, 60, got.Dispatch.IntervalSec)
	assert.True(t, got.IMAP.Enabled)

	// The original is untouched until saved.
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 30, cfg.Dispatch.IntervalSec)
}

func TestApplyRejectsInvalidValues(t *testing.T) {
	cfg := testConfig()

	fb := bindingsFrom(cfg)
	fb.maxAttempts = "zero"
	_, err := fb.apply(*cfg)
	assert.Error(t, err)

	fb = bindingsFrom(cfg)
	fb.interval = "0"
	_, err = fb.apply(*cfg)
	assert.Error(t, err)
}

func TestSaverStoresSecretsOutsideConfig(t *testing.T) {
	secrets := map[string]string{}
	var savedPath string
	var saved *model.AppConfig

	s := Saver{
		Path: "/tmp/config.yaml",
		SaveConfig: func(path string, cfg *model.AppConfig) error {
			savedPath, saved = path, cfg
			return nil
		},
		SetSecret: func(key, value string) error {
			secrets[key] = value
			return nil
		},
	}

	cfg := testConfig()
	require.NoError(t, s.save(cfg, "smtp-secret", ""))
	assert.Equal(t, "/tmp/config.yaml", savedPath)
	assert.Same(t, cfg, saved)
	assert.Equal(t, map[string]string{credential.KeySMTPPassword: "smtp-secret"}, secrets)
}

func TestSaverStopsOnSecretError(t *testing.T) {
	called := false
	s := Saver{
		SaveConfig: func(string, *model.AppConfig) error { called = true; return nil },
		SetSecret:  func(string, string) error { return errors.New("locked") },
	}

	err := s.save(testConfig(), "", "imap-secret")
	assert.ErrorContains(t, err, "IMAP password")
	assert.False(t, called)
}

func TestValidateResultShowsAndReturnsToForm(t *testing.T) {
	m := New(testConfig(), Saver{}, "alice@example.com", zerolog.Nop(), 100, 40)
	m.Start()

	m, _ = m.Update(ValidateResultMsg{Err: errors.New("connection refused")})
	assert.Equal(t, ModeValidateResult, m.mode)
	assert.Contains(t, m.View(), "connection refused")

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, ModeForm, m.mode)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePort("587"))
	assert.Error(t, validatePort("0"))
	assert.Error(t, validatePort("smtp"))
	assert.NoError(t, validatePositive("3"))
	assert.Error(t, validatePositive("-1"))
	assert.Error(t, validateRequired("Host")("  "))
}
