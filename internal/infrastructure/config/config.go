package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	SSE       SSEConfig       `koanf:"sse"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Security  SecurityConfig  `koanf:"security"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	URL       string        `koanf:"url"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	OpTimeout time.Duration `koanf:"op_timeout"`
}

type UpstreamConfig struct {
	BaseURL   string        `koanf:"base_url"`
	BidURL    string        `koanf:"bid_url"`
	Timeout   time.Duration `koanf:"timeout"`
	UserAgent string        `koanf:"user_agent"`

	Breaker   BreakerConfig      `koanf:"breaker"`
	RateLimit UpstreamRateConfig `koanf:"rate_limit"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
}

type UpstreamRateConfig struct {
	FetchPerSecond int `koanf:"fetch_per_second"`
	FetchBurst     int `koanf:"fetch_burst"`
	BidPerSecond   int `koanf:"bid_per_second"`
	BidBurst       int `koanf:"bid_burst"`
}

type SSEConfig struct {
	Enabled              bool          `koanf:"enabled"`
	Endpoint             string        `koanf:"endpoint"`
	ReconnectInterval    time.Duration `koanf:"reconnect_interval"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	IdleTimeout          time.Duration `koanf:"idle_timeout"`
}

type MonitorConfig struct {
	PollingInterval  time.Duration `koanf:"polling_interval"`
	TailInterval     time.Duration `koanf:"tail_interval"`
	FallbackInterval time.Duration `koanf:"fallback_interval"`
	TailWindow       time.Duration `koanf:"tail_window"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
	EndedRetention   time.Duration `koanf:"ended_retention"`
	OutbidDelay      time.Duration `koanf:"outbid_delay"`
	MaxInflightFetch int           `koanf:"max_inflight_fetch"`
}

type WebSocketConfig struct {
	MaxPayloadBytes int64         `koanf:"max_payload_bytes"`
	SendBuffer      int           `koanf:"send_buffer"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	PongWait        time.Duration `koanf:"pong_wait"`
	WriteWait       time.Duration `koanf:"write_wait"`
	AcceptPerMinute int           `koanf:"accept_per_minute"`
}

type SecurityConfig struct {
	AuthToken        string          `koanf:"auth_token"`
	EncryptionSecret string          `koanf:"encryption_secret"`
	SigningSecret    string          `koanf:"signing_secret"`
	RateLimit        RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
	AuthPerWindow     int `koanf:"auth_per_window"`
	AuthWindowMinutes int `koanf:"auth_window_minutes"`
	BidsPerMinute     int `koanf:"bids_per_minute"`
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load defaults
	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			DB:        0,
			OpTimeout: 2 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:   "https://www.nellisauction.com",
			BidURL:    "https://cargo.prd.nellis.run",
			Timeout:   10 * time.Second,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
			RateLimit: UpstreamRateConfig{
				FetchPerSecond: 10,
				FetchBurst:     20,
				BidPerSecond:   5,
				BidBurst:       5,
			},
		},
		SSE: SSEConfig{
			Enabled:              true,
			Endpoint:             "https://sse.nellisauction.com/live-products",
			ReconnectInterval:    time.Second,
			MaxReconnectAttempts: 3,
			IdleTimeout:          60 * time.Second,
		},
		Monitor: MonitorConfig{
			PollingInterval:  6 * time.Second,
			TailInterval:     2 * time.Second,
			FallbackInterval: 30 * time.Second,
			TailWindow:       30 * time.Second,
			CleanupInterval:  5 * time.Minute,
			EndedRetention:   60 * time.Second,
			OutbidDelay:      2 * time.Second,
			MaxInflightFetch: 8,
		},
		WebSocket: WebSocketConfig{
			MaxPayloadBytes: 1 << 20,
			SendBuffer:      32,
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			AcceptPerMinute: 10,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 100,
				AuthPerWindow:     5,
				AuthWindowMinutes: 15,
				BidsPerMinute:     10,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "nellis-auction-tracker",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// The config file is optional; defaults and env cover a file-less deployment.
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Override with environment variables
	if err := k.Load(env.Provider("NAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "NAT_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyEnvAliases()

	return &cfg, nil
}

// applyEnvAliases honors the short environment names the deployment surface
// documents, on top of the NAT_-prefixed variants.
func (c *Config) applyEnvAliases() {
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		c.Security.AuthToken = v
	}
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		c.Security.EncryptionSecret = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("SSE_ENDPOINT"); v != "" {
		c.SSE.Endpoint = v
	}
	if d, ok := envDuration("SSE_RECONNECT_INTERVAL"); ok {
		c.SSE.ReconnectInterval = d
	}
	if n, ok := envInt("SSE_MAX_RECONNECT_ATTEMPTS"); ok {
		c.SSE.MaxReconnectAttempts = n
	}
	if d, ok := envMillis("POLLING_INTERVAL_MS"); ok {
		c.Monitor.PollingInterval = d
	}
	if d, ok := envMillis("AUCTION_CLEANUP_INTERVAL_MS"); ok {
		c.Monitor.CleanupInterval = d
	}
	if d, ok := envMillis("ENDED_AUCTION_RETENTION_MS"); ok {
		c.Monitor.EndedRetention = d
	}
	if n, ok := envInt("WS_MAX_PAYLOAD_SIZE"); ok {
		c.WebSocket.MaxPayloadBytes = int64(n)
	}
}

// Validate rejects configurations the process must not start with.
func (c *Config) Validate() error {
	if c.Security.AuthToken == "" {
		return fmt.Errorf("security.auth_token is required (set AUTH_TOKEN)")
	}
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("security.encryption_secret is required (set ENCRYPTION_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Monitor.PollingInterval <= 0 {
		return fmt.Errorf("monitor.polling_interval must be positive")
	}
	if c.SSE.MaxReconnectAttempts < 1 {
		return fmt.Errorf("sse.max_reconnect_attempts must be at least 1")
	}
	return nil
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envMillis reads a bare integer environment value as milliseconds.
func envMillis(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// envDuration accepts either a Go duration string or integer milliseconds.
func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond, true
	}
	return 0, false
}
