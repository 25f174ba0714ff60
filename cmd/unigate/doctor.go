package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"unigate/internal/config"
	"unigate/internal/relay"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-20s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-20s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-20s %s\n", color.RedString("[FAIL]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your unigate installation",
		Long: `Verifies that the configuration, listen address, device store and
broker are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("unigate doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'unigate init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			if err := checkListen(cfg.Server.Addr()); err != nil {
				r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("Listen address", cfg.Server.Addr()+" available")
			}

			if cfg.Server.Auth.Enabled {
				r.pass("Basic auth", "enabled for "+cfg.Server.Auth.Username)
			} else if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
				r.warn("Basic auth", "disabled on a non-loopback address")
			}

			if cfg.PhotoDM.Enabled && cfg.PhotoDM.Driver == config.DriverGraph {
				if cfg.PhotoDM.AppSecret == "" || cfg.PhotoDM.VerifyToken == "" {
					r.warn("PhotoDM webhook", "appSecret/verifyToken not set, inbound messages unverified")
				} else {
					r.pass("PhotoDM webhook", cfg.PhotoDM.WebhookPath)
				}
			}

			if cfg.PersonalChat.Enabled && cfg.PersonalChat.Driver == config.DriverWhatsmeow {
				if cfg.PersonalChat.DeviceStore == "" {
					r.warn("Device store", "in memory, pairing is lost on restart")
				} else if err := checkDatabase(cmd.Context(), cfg.PersonalChat.DeviceStore); err != nil {
					r.fail("Device store", err.Error())
				} else {
					r.pass("Device store", cfg.PersonalChat.DeviceStore)
				}
			}

			if cfg.Relay.Enabled {
				if err := checkBroker(cmd.Context(), cfg.Relay.URL); err != nil {
					r.fail("Relay broker", err.Error())
				} else {
					r.pass("Relay broker", "reachable")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkDatabase(ctx context.Context, dsn string) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkBroker(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := relay.DialWithRetry(ctx, relay.ConnectionOptions{URL: url, RetryAttempts: 1, Logger: logger})
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
