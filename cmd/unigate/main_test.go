package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/config"
	"unigate/internal/domain"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildPlatforms_DemoDrivers(t *testing.T) {
	cfg := config.Defaults()
	cfg.PhotoDM.Driver = config.DriverDemo
	cfg.PersonalChat.Driver = config.DriverDemo

	p, err := buildPlatforms(context.Background(), cfg)
	require.NoError(t, err)
	defer p.close()

	require.Len(t, p.adapters, 2)
	assert.Equal(t, domain.PhotoDM, p.adapters[0].Platform())
	assert.Equal(t, domain.PersonalChat, p.adapters[1].Platform())
	assert.Equal(t, domain.AuthPairing, p.adapters[1].AuthMode())
	assert.Empty(t, p.webhooks)
}

func TestBuildPlatforms_GraphMountsWebhook(t *testing.T) {
	cfg := config.Defaults()
	cfg.PersonalChat.Enabled = false
	cfg.PhotoDM.WebhookPath = "/hooks/dm"

	p, err := buildPlatforms(context.Background(), cfg)
	require.NoError(t, err)
	defer p.close()

	require.Len(t, p.adapters, 1)
	assert.Contains(t, p.webhooks, "/hooks/dm")
}

func TestBuildPlatforms_NoneEnabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.PhotoDM.Enabled = false
	cfg.PersonalChat.Enabled = false

	_, err := buildPlatforms(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSetupLogger_WritesLogFile(t *testing.T) {
	prev := logger
	t.Cleanup(func() {
		logger = prev
		slog.SetDefault(prev)
	})

	cfg := config.Defaults()
	cfg.General.LogLevel = "debug"
	cfg.General.LogFile = filepath.Join(t.TempDir(), "logs", "unigate.log")

	closeLog, err := setupLogger(cfg)
	require.NoError(t, err)
	defer closeLog()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.FileExists(t, cfg.General.LogFile)
}

func TestDaemonUnits(t *testing.T) {
	path, err := unitPath("linux", "/home/ana")
	require.NoError(t, err)
	assert.Equal(t, "/home/ana/.config/systemd/user/unigate.service", path)

	_, err = unitPath("plan9", "/home/ana")
	assert.Error(t, err)

	unit := renderSystemd("/usr/local/bin/unigate", "/etc/unigate.yaml")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/unigate serve --config /etc/unigate.yaml")

	plist := renderLaunchd("/usr/local/bin/unigate", "/etc/unigate.yaml", "/tmp/logs")
	assert.Contains(t, plist, "<string>"+launchdLabel+"</string>")
	assert.Contains(t, plist, "/tmp/logs/unigate-error.log")
	assert.False(t, strings.Contains(plist, "{{"), "unrendered placeholder")
}
