package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fushengyk/marketws/internal/filter"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Stream   StreamConfig    `yaml:"stream"`
	Upstream WebSocketConfig `yaml:"upstream"`
	Binance  BinanceConfig   `yaml:"binance"`
	OKX      OKXConfig       `yaml:"okx"`
	NATS     NATSConfig      `yaml:"nats"`
	Redis    RedisConfig     `yaml:"redis"`
	Log      LogConfig       `yaml:"log"`
}

// ServerConfig holds the client facing HTTP/WebSocket settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TickerPath      string        `yaml:"ticker_path"`
	OrderBookPath   string        `yaml:"orderbook_path"`
	HealthPath      string        `yaml:"health_path"`
	DefaultExchange string        `yaml:"default_exchange"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// StreamConfig holds per session multiplexer settings
type StreamConfig struct {
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
	TeardownGrace time.Duration     `yaml:"teardown_grace"`
	SnapshotTTL   time.Duration     `yaml:"snapshot_ttl"`
	Thresholds    filter.Thresholds `yaml:"thresholds"`
	OrderBook     OrderBookConfig   `yaml:"orderbook"`
}

// OrderBookConfig holds depth and push rate of order book sessions
type OrderBookConfig struct {
	SubscribeDepth int           `yaml:"subscribe_depth"`
	ClientDepth    int           `yaml:"client_depth"`
	PushInterval   time.Duration `yaml:"push_interval"`
}

// WebSocketConfig holds upstream WebSocket connection settings
type WebSocketConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
}

// BinanceConfig holds Binance exchange configuration
type BinanceConfig struct {
	Enabled      bool    `yaml:"enabled"`
	RestBaseURL  string  `yaml:"rest_base_url"`
	WSBaseURL    string  `yaml:"ws_base_url"`
	FuturesRest  string  `yaml:"futures_rest_url"`
	FuturesWS    string  `yaml:"futures_ws_url"`
	RestRPS      float64 `yaml:"rest_rps"`
	RestBurst    int     `yaml:"rest_burst"`
	OpenInterest bool    `yaml:"open_interest"`
}

// OKXConfig holds OKX exchange configuration
type OKXConfig struct {
	Enabled bool   `yaml:"enabled"`
	WSURL   string `yaml:"ws_url"`
}

// NATSConfig holds NATS connection settings of the optional payload mirror
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// RedisConfig holds the optional shared snapshot store settings
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // json, console
	File       string `yaml:"file"`     // empty means stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is empty")
	}
	if c.Server.SendBuffer <= 0 {
		return errors.New("server.send_buffer must be positive")
	}
	if c.Stream.RetryBackoff <= 0 {
		return errors.New("stream.retry_backoff must be positive")
	}
	if c.Stream.TeardownGrace <= 0 {
		return errors.New("stream.teardown_grace must be positive")
	}
	if c.Stream.OrderBook.ClientDepth <= 0 {
		return errors.New("stream.orderbook.client_depth must be positive")
	}
	if c.Stream.OrderBook.SubscribeDepth < c.Stream.OrderBook.ClientDepth {
		return fmt.Errorf("stream.orderbook.subscribe_depth (%d) below client_depth (%d)",
			c.Stream.OrderBook.SubscribeDepth, c.Stream.OrderBook.ClientDepth)
	}
	if !c.Binance.Enabled && !c.OKX.Enabled {
		return errors.New("no exchange enabled")
	}
	if c.Binance.Enabled && (c.Binance.WSBaseURL == "" || c.Binance.FuturesWS == "") {
		return errors.New("binance enabled but ws urls empty")
	}
	if c.OKX.Enabled && c.OKX.WSURL == "" {
		return errors.New("okx enabled but ws_url empty")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats enabled but url empty")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis enabled but addr empty")
	}
	return nil
}

// EnabledExchanges lists exchanges switched on in the config
func (c *Config) EnabledExchanges() []string {
	var out []string
	if c.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.OKX.Enabled {
		out = append(out, "okx")
	}
	return out
}

// defaultConfig returns configuration with sensible defaults
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			TickerPath:      "/api/ws/ticker",
			OrderBookPath:   "/api/ws/orderbook",
			HealthPath:      "/healthz",
			DefaultExchange: "binance",
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			ReadLimit:       4096,
			SendBuffer:      256,
		},
		Stream: StreamConfig{
			RetryBackoff:  3 * time.Second,
			TeardownGrace: 2 * time.Second,
			SnapshotTTL:   5 * time.Second,
			Thresholds:    filter.DefaultThresholds(),
			OrderBook: OrderBookConfig{
				SubscribeDepth: 100,
				ClientDepth:    20,
				PushInterval:   400 * time.Millisecond,
			},
		},
		Upstream: WebSocketConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			PingInterval:      20 * time.Second,
			ReadTimeout:       60 * time.Second,
			IdleTimeout:       time.Minute,
			StatsInterval:     time.Minute,
		},
		Binance: BinanceConfig{
			Enabled:      true,
			RestBaseURL:  "https://api.binance.com",
			WSBaseURL:    "wss://stream.binance.com:9443",
			FuturesRest:  "https://fapi.binance.com",
			FuturesWS:    "wss://fstream.binance.com",
			RestRPS:      2,
			RestBurst:    5,
			OpenInterest: true,
		},
		OKX: OKXConfig{
			Enabled: true,
			WSURL:   "wss://ws.okx.com:8443/ws/v5/public",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 10,
			MaxAge:        time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "marketws",
		},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MARKETWS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
