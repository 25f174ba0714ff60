package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"unigate/internal/adapter/memory"
	"unigate/internal/adapter/personalchat"
	"unigate/internal/adapter/photodm"
	"unigate/internal/bus"
	"unigate/internal/channel"
	"unigate/internal/config"
	"unigate/internal/connection"
	"unigate/internal/domain"
	"unigate/internal/gateway"
	"unigate/internal/relay"
	"unigate/internal/session"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Start the gateway",
		Long:    "Starts the enabled platform adapters, the event router and the HTTP/WebSocket server. Press Ctrl+C to stop.",
		RunE:    runServe,
	}
}

// platforms holds the adapters built from config and what must be released
// at shutdown.
type platforms struct {
	adapters []domain.Adapter
	webhooks map[string]http.Handler
	closers  []func() error
}

func (p *platforms) close() {
	for _, c := range p.closers {
		if err := c(); err != nil {
			logger.Warn("adapter close failed", "err", err)
		}
	}
}

func buildPlatforms(ctx context.Context, cfg *config.Config) (*platforms, error) {
	out := &platforms{webhooks: make(map[string]http.Handler)}

	if cfg.PhotoDM.Enabled {
		switch cfg.PhotoDM.Driver {
		case config.DriverDemo:
			out.adapters = append(out.adapters, memory.New(memory.Config{
				Platform: domain.PhotoDM,
				Accounts: cfg.PhotoDM.DemoAccounts,
			}))
		default:
			a := photodm.New(photodm.Config{
				APIBase:            cfg.PhotoDM.APIBase,
				AppSecret:          cfg.PhotoDM.AppSecret,
				VerifyToken:        cfg.PhotoDM.VerifyToken,
				RateLimitPerMinute: cfg.PhotoDM.RateLimitPerMinute,
				Timeout:            cfg.PhotoDM.Timeout(),
				MaxRetries:         cfg.PhotoDM.MaxRetries,
				Logger:             logger,
			})
			out.adapters = append(out.adapters, a)
			out.webhooks[cfg.PhotoDM.WebhookPath] = a.WebhookHandler()
			if cfg.PhotoDM.AppSecret == "" {
				logger.Warn("photodm.appSecret is empty, webhook signatures are not verified")
			}
		}
	}

	if cfg.PersonalChat.Enabled {
		switch cfg.PersonalChat.Driver {
		case config.DriverDemo:
			out.adapters = append(out.adapters, memory.New(memory.Config{
				Platform:  domain.PersonalChat,
				Mode:      domain.AuthPairing,
				PairDelay: time.Duration(cfg.PersonalChat.DemoPairDelaySeconds) * time.Second,
			}))
		default:
			client, err := personalchat.NewClient(ctx, cfg.PersonalChat.DeviceStore, logger)
			if err != nil {
				out.close()
				return nil, fmt.Errorf("personalchat client: %w", err)
			}
			cache, err := personalchat.OpenCache("", logger)
			if err != nil {
				out.close()
				return nil, fmt.Errorf("personalchat cache: %w", err)
			}
			a := personalchat.New(personalchat.Config{
				Client: client,
				Cache:  cache,
				QRSize: cfg.PersonalChat.QRSize,
				Logger: logger,
			})
			out.adapters = append(out.adapters, a)
			out.closers = append(out.closers, a.Close)
		}
	}

	if len(out.adapters) == 0 {
		return nil, errors.New("no platform enabled")
	}
	return out, nil
}

// startRelay connects to the broker, falling back to a logging publisher
// when it cannot be reached so the gateway still starts.
func startRelay(ctx context.Context, cfg config.RelayConfig) *relay.Relay {
	pub, err := relay.NewAMQP(ctx, relay.ConnectionOptions{
		URL:           cfg.URL,
		RetryAttempts: cfg.RetryAttempts,
		Delay:         cfg.RetryDelay(),
		Logger:        logger,
	}, cfg.Exchange)
	if err != nil {
		logger.Error("relay broker unavailable, events will not be mirrored", "err", err)
		pub = relay.NewFallback(logger)
	}
	return relay.New(relay.Config{Publisher: pub, Buffer: cfg.Buffer, Logger: logger})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Inbound event queue (closed during graceful shutdown below)
	queue := bus.New(cfg.Gateway.EventQueueSize, logger)

	plats, err := buildPlatforms(ctx, cfg)
	if err != nil {
		return err
	}
	defer plats.close()
	for _, a := range plats.adapters {
		a.SubscribeEvents(queue)
	}

	registry := session.NewRegistry(session.Config{Adapters: plats.adapters, Logger: logger})
	conns := connection.NewManager(connection.Config{
		BufferSize:     cfg.Gateway.ConnectionBuffer,
		DeliverTimeout: cfg.Gateway.DeliverTimeout(),
		Logger:         logger,
	})
	hooks := bus.NewEventBus(logger)
	gw := gateway.New(gateway.Config{
		Registry:    registry,
		Connections: conns,
		Queue:       queue,
		Hooks:       hooks,
		LaneDepth:   cfg.Gateway.LaneDepth,
		Logger:      logger,
	})

	var mirror *relay.Relay
	if cfg.Relay.Enabled {
		mirror = startRelay(ctx, cfg.Relay)
		hooks.On(bus.Wildcard, mirror.Enqueue)
		go mirror.Run(ctx)
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		gw.Run(ctx)
	}()

	if cfg.PersonalChat.Enabled && cfg.PersonalChat.AutoPair {
		go func() {
			if _, err := gw.Login(ctx, domain.PersonalChat, domain.Credentials{}); err != nil {
				logger.Warn("auto-pairing failed", "err", err)
			}
		}()
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	srv := channel.NewServer(channel.ServerConfig{
		Gateway:        gw,
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           cfg.Server.Auth,
		WebSocket:      cfg.Server.WebSocket,
		MetricsPath:    metricsPath,
		Webhooks:       plats.webhooks,
		Logger:         logger,
	})

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version, "platforms", registry.Platforms())

	serveErr := srv.Start(ctx)
	stop()
	logger.Info("shutting down gateway...")

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Close()
		<-routerDone
		if mirror != nil {
			if err := mirror.Stop(); err != nil {
				logger.Warn("relay close failed", "err", err)
			}
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
	return serveErr
}
