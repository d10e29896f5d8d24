package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig holds the realtime client configuration.
type ClientConfig struct {
	SocketURL       string `toml:"socket_url"`
	APIBaseURL      string `toml:"api_base_url"`
	MaxRetries      int    `toml:"max_retries"`
	BaseDelayMS     int    `toml:"base_delay_ms"`
	MaxDelayMS      int    `toml:"max_delay_ms"`
	PollIntervalMS  int    `toml:"poll_interval_ms"`
	RequestTimeoutS int    `toml:"request_timeout_seconds"`
	SendBufferSize  int    `toml:"send_buffer_size"`
	AutoConnect     bool   `toml:"auto_connect"`
	Reconnect       bool   `toml:"reconnect"`
	StatusAddr      string `toml:"status_addr"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		SocketURL:       "ws://localhost:8000/ws",
		APIBaseURL:      "http://localhost:8000/api/v1",
		MaxRetries:      3,
		BaseDelayMS:     1000,
		MaxDelayMS:      10000,
		PollIntervalMS:  1000,
		RequestTimeoutS: 30,
		SendBufferSize:  256,
		AutoConnect:     true,
		Reconnect:       true,
		StatusAddr:      ":9090",
	}
}

// LoadFile reads a TOML file over the defaults.
func LoadFile(path string) (*ClientConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables.
// Falls back to defaults for any missing or malformed values.
func FromEnv() *ClientConfig {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from REALTIME_* environment variables.
func (c *ClientConfig) ApplyEnv() {
	if v := os.Getenv("REALTIME_SOCKET_URL"); v != "" {
		c.SocketURL = v
	}
	if v := os.Getenv("REALTIME_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("REALTIME_STATUS_ADDR"); v != "" {
		c.StatusAddr = v
	}
	envInt("REALTIME_MAX_RETRIES", &c.MaxRetries)
	envInt("REALTIME_BASE_DELAY_MS", &c.BaseDelayMS)
	envInt("REALTIME_MAX_DELAY_MS", &c.MaxDelayMS)
	envInt("REALTIME_POLL_INTERVAL_MS", &c.PollIntervalMS)
	envBool("REALTIME_AUTO_CONNECT", &c.AutoConnect)
	envBool("REALTIME_RECONNECT", &c.Reconnect)
}

// Validate rejects values the components cannot run with.
func (c *ClientConfig) Validate() error {
	switch {
	case c.SocketURL == "":
		return fmt.Errorf("socket_url is required")
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	case c.BaseDelayMS < 0 || c.MaxDelayMS < 0:
		return fmt.Errorf("retry delays must be >= 0")
	case c.PollIntervalMS <= 0:
		return fmt.Errorf("poll_interval_ms must be > 0, got %d", c.PollIntervalMS)
	}
	return nil
}

// BaseDelay returns the retry base delay.
func (c *ClientConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the retry delay cap.
func (c *ClientConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// PollInterval returns the connection monitor cadence.
func (c *ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
