package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Driver names for the platform sections.
const (
	DriverGraph     = "graph"
	DriverWhatsmeow = "whatsmeow"
	DriverDemo      = "demo"
)

// Config is the root configuration for unigate.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Server       ServerConfig       `json:"server"`
	Gateway      GatewayConfig      `json:"gateway"`
	PhotoDM      PhotoDMConfig      `json:"photodm"`
	PersonalChat PersonalChatConfig `json:"personalchat"`
	Relay        RelayConfig        `json:"relay"`
	Metrics      MetricsConfig      `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	AllowedOrigins []string        `json:"allowedOrigins,omitempty"` // empty allows same-host only
	Auth           AuthConfig      `json:"auth"`
	WebSocket      WebSocketConfig `json:"websocket"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // bcrypt
}

type WebSocketConfig struct {
	ReadBufferSize      int   `json:"readBufferSize"`
	WriteBufferSize     int   `json:"writeBufferSize"`
	MaxMessageBytes     int64 `json:"maxMessageBytes"`
	PingIntervalSeconds int   `json:"pingIntervalSeconds"`
}

func (w WebSocketConfig) PingInterval() time.Duration {
	return time.Duration(w.PingIntervalSeconds) * time.Second
}

type GatewayConfig struct {
	EventQueueSize        int `json:"eventQueueSize"`
	ConnectionBuffer      int `json:"connectionBuffer"`
	DeliverTimeoutSeconds int `json:"deliverTimeoutSeconds"`
	LaneDepth             int `json:"laneDepth"`
}

func (g GatewayConfig) DeliverTimeout() time.Duration {
	return time.Duration(g.DeliverTimeoutSeconds) * time.Second
}

type PhotoDMConfig struct {
	Enabled            bool              `json:"enabled"`
	Driver             string            `json:"driver"` // "graph" | "demo"
	APIBase            string            `json:"apiBase,omitempty"`
	AppSecret          string            `json:"appSecret,omitempty"`
	VerifyToken        string            `json:"verifyToken,omitempty"`
	WebhookPath        string            `json:"webhookPath"`
	RateLimitPerMinute int               `json:"rateLimitPerMinute"`
	TimeoutSeconds     int               `json:"timeoutSeconds"`
	MaxRetries         int               `json:"maxRetries"`
	DemoAccounts       map[string]string `json:"demoAccounts,omitempty"` // username -> password for the demo driver
}

func (p PhotoDMConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type PersonalChatConfig struct {
	Enabled              bool   `json:"enabled"`
	Driver               string `json:"driver"` // "whatsmeow" | "demo"
	AutoPair             bool   `json:"autoPair"`
	QRSize               int    `json:"qrSize"`
	DeviceStore          string `json:"deviceStore,omitempty"` // sqlite DSN; empty keeps the device in memory
	DemoPairDelaySeconds int    `json:"demoPairDelaySeconds,omitempty"`
}

type RelayConfig struct {
	Enabled           bool   `json:"enabled"`
	URL               string `json:"url,omitempty"`
	Exchange          string `json:"exchange"`
	RetryAttempts     int    `json:"retryAttempts"`
	RetryDelaySeconds int    `json:"retryDelaySeconds"`
	Buffer            int    `json:"buffer"`
}

func (r RelayConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.unigate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".unigate"
	}
	return filepath.Join(home, ".unigate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file. The format follows the extension: .yaml/.yml,
// .toml, anything else is JSON. Values missing from the file keep their
// defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	data, err = toJSON(formatOf(path), data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg in the format implied by the path's extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := Marshal(cfg, formatOf(path))
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal renders cfg as "json", "yaml" or "toml".
func Marshal(cfg *Config, format string) ([]byte, error) {
	if format == "json" {
		return json.MarshalIndent(cfg, "", "  ")
	}

	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	switch format {
	case "yaml":
		return yaml.Marshal(m)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// toJSON converts a YAML or TOML document into JSON so that one set of
// struct tags drives every format.
func toJSON(format string, data []byte) ([]byte, error) {
	var m map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case "toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// toMap flattens cfg into generic maps with nulls dropped and whole numbers
// kept as integers.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return normalize(m).(map[string]any), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if child == nil {
				delete(val, k)
				continue
			}
			val[k] = normalize(child)
		}
		return val
	case []any:
		for i := range val {
			val[i] = normalize(val[i])
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	default:
		return v
	}
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.Auth.Enabled && (cfg.Server.Auth.Username == "" || cfg.Server.Auth.PasswordHash == "") {
		errs = append(errs, "server.auth requires username and passwordHash when enabled")
	}
	if cfg.Server.WebSocket.MaxMessageBytes < 1 {
		errs = append(errs, "server.websocket.maxMessageBytes must be >= 1")
	}
	if cfg.Server.WebSocket.PingIntervalSeconds < 1 {
		errs = append(errs, "server.websocket.pingIntervalSeconds must be >= 1")
	}

	if cfg.Gateway.EventQueueSize < 1 {
		errs = append(errs, "gateway.eventQueueSize must be >= 1")
	}
	if cfg.Gateway.ConnectionBuffer < 1 {
		errs = append(errs, "gateway.connectionBuffer must be >= 1")
	}
	if cfg.Gateway.DeliverTimeoutSeconds < 1 {
		errs = append(errs, "gateway.deliverTimeoutSeconds must be >= 1")
	}
	if cfg.Gateway.LaneDepth < 1 {
		errs = append(errs, "gateway.laneDepth must be >= 1")
	}

	if cfg.PhotoDM.Enabled {
		switch cfg.PhotoDM.Driver {
		case DriverGraph:
			if cfg.PhotoDM.APIBase == "" {
				errs = append(errs, "photodm.apiBase is required for the graph driver")
			}
		case DriverDemo:
		default:
			errs = append(errs, "photodm.driver must be one of: graph, demo")
		}
		if !strings.HasPrefix(cfg.PhotoDM.WebhookPath, "/") {
			errs = append(errs, "photodm.webhookPath must start with /")
		}
		if cfg.PhotoDM.RateLimitPerMinute < 0 {
			errs = append(errs, "photodm.rateLimitPerMinute must be >= 0")
		}
	}

	if cfg.PersonalChat.Enabled {
		switch cfg.PersonalChat.Driver {
		case DriverWhatsmeow, DriverDemo:
		default:
			errs = append(errs, "personalchat.driver must be one of: whatsmeow, demo")
		}
		if cfg.PersonalChat.QRSize < 64 || cfg.PersonalChat.QRSize > 1024 {
			errs = append(errs, "personalchat.qrSize must be between 64 and 1024")
		}
	}

	if cfg.Relay.Enabled {
		if cfg.Relay.URL == "" {
			errs = append(errs, "relay.url is required when the relay is enabled")
		}
		if cfg.Relay.Exchange == "" {
			errs = append(errs, "relay.exchange must not be empty")
		}
		if cfg.Relay.Buffer < 1 {
			errs = append(errs, "relay.buffer must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
