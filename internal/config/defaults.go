package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
			WebSocket: WebSocketConfig{
				ReadBufferSize:      4096,
				WriteBufferSize:     4096,
				MaxMessageBytes:     64 * 1024,
				PingIntervalSeconds: 30,
			},
		},
		Gateway: GatewayConfig{
			EventQueueSize:        256,
			ConnectionBuffer:      64,
			DeliverTimeoutSeconds: 5,
			LaneDepth:             32,
		},
		PhotoDM: PhotoDMConfig{
			Enabled:            true,
			Driver:             DriverGraph,
			APIBase:            "https://graph.facebook.com/v21.0",
			WebhookPath:        "/webhook/photodm",
			RateLimitPerMinute: 180,
			TimeoutSeconds:     15,
			MaxRetries:         2,
		},
		PersonalChat: PersonalChatConfig{
			Enabled:  true,
			Driver:   DriverWhatsmeow,
			AutoPair: false,
			QRSize:   256,
		},
		Relay: RelayConfig{
			Enabled:           false,
			Exchange:          "unigate.events",
			RetryAttempts:     5,
			RetryDelaySeconds: 2,
			Buffer:            256,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
