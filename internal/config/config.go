// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/tdxsync/tdx"
)

// Config holds all application configuration. Durations are specified in
// seconds so the environment stays shell-friendly.
type Config struct {
	LogLevel   string `env:"TDX_LOG_LEVEL" envDefault:"info"`
	ListenAddr string `env:"TDX_API_ADDR" envDefault:":8080"`

	CacheDir        string `env:"TDX_CACHE_DIR" envDefault:".cache/tdxsync"`
	CacheEnabled    bool   `env:"TDX_CACHE_ENABLED" envDefault:"true"`
	CacheTTLSeconds int    `env:"TDX_CACHE_TTL_SECONDS" envDefault:"86400"`

	BaseURL      string   `env:"TDX_BASE_URL" envDefault:"https://tdx.transportdata.tw/api/basic/v2"`
	TokenURL     string   `env:"TDX_TOKEN_URL" envDefault:"https://tdx.transportdata.tw/auth/realms/TDXConnect/protocol/openid-connect/token"`
	ClientID     string   `env:"TDX_CLIENT_ID"`
	ClientSecret string   `env:"TDX_CLIENT_SECRET"`
	City         string   `env:"TDX_CITY" envDefault:"Taipei"`
	Operators    []string `env:"TDX_METRO_OPERATORS" envDefault:"TRTC"`

	HTTPTimeoutSeconds    float64 `env:"TDX_HTTP_TIMEOUT_SECONDS" envDefault:"15"`
	RequestSpacingSeconds float64 `env:"TDX_REQUEST_SPACING_SECONDS" envDefault:"0"`
	RetryMaxAttempts      int     `env:"TDX_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelaySeconds float64 `env:"TDX_RETRY_BASE_DELAY_SECONDS" envDefault:"0.5"`
	RetryMaxDelaySeconds  float64 `env:"TDX_RETRY_MAX_DELAY_SECONDS" envDefault:"10"`

	RateLimitPerMinute float64 `env:"TDX_RATE_LIMIT_PER_MINUTE" envDefault:"0"`
	RateLimitBurst     int     `env:"TDX_RATE_LIMIT_BURST" envDefault:"5"`

	BulkEnabled           bool    `env:"TDX_BULK_ENABLED" envDefault:"true"`
	BulkMaxPagesPerCall   int     `env:"TDX_BULK_MAX_PAGES_PER_CALL" envDefault:"1"`
	BulkMaxSecondsPerCall float64 `env:"TDX_BULK_MAX_SECONDS_PER_CALL" envDefault:"20"`

	StaticTTLSeconds              int `env:"TDX_STATIC_TTL_SECONDS" envDefault:"86400"`
	BikeAvailabilityTTLSeconds    int `env:"TDX_BIKE_AVAILABILITY_TTL_SECONDS" envDefault:"300"`
	ParkingAvailabilityTTLSeconds int `env:"TDX_PARKING_AVAILABILITY_TTL_SECONDS" envDefault:"300"`
	BusETATTLSeconds              int `env:"TDX_BUS_ETA_TTL_SECONDS" envDefault:"30"`

	DaemonSleepSeconds           float64 `env:"TDX_DAEMON_SLEEP_SECONDS" envDefault:"3"`
	DaemonStaticPagesPerRun      int     `env:"TDX_DAEMON_STATIC_PAGES_PER_RUN" envDefault:"1"`
	DaemonStaticSecondsPerRun    float64 `env:"TDX_DAEMON_STATIC_SECONDS_PER_RUN" envDefault:"20"`
	DaemonDynamicRefresh         bool    `env:"TDX_DAEMON_DYNAMIC_REFRESH" envDefault:"false"`
	DaemonDynamicIntervalSeconds float64 `env:"TDX_DAEMON_DYNAMIC_INTERVAL_SECONDS" envDefault:"900"`
	DaemonCooldownSeconds        float64 `env:"TDX_DAEMON_COOLDOWN_SECONDS" envDefault:"900"`
	DaemonStaticRefreshDays      float64 `env:"TDX_DAEMON_STATIC_REFRESH_DAYS" envDefault:"30"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.RetryMaxAttempts < 0 {
		return nil, fmt.Errorf("config: TDX_RETRY_MAX_ATTEMPTS must not be negative, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.CacheTTLSeconds <= 0 {
		return nil, fmt.Errorf("config: TDX_CACHE_TTL_SECONDS must be positive, got %d", cfg.CacheTTLSeconds)
	}
	return cfg, nil
}

// HasCredentials reports whether the API credential pair is configured.
func (c *Config) HasCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// CacheTTL returns the default cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ClientConfig maps the environment configuration onto a client Config.
// Per-dataset page shapes keep their built-in defaults.
func (c *Config) ClientConfig() tdx.Config {
	cfg := tdx.DefaultConfig()
	cfg.BaseURL = c.BaseURL
	cfg.TokenURL = c.TokenURL
	cfg.ClientID = c.ClientID
	cfg.ClientSecret = c.ClientSecret
	cfg.City = c.City
	cfg.Operators = c.Operators
	cfg.HTTPTimeout = seconds(c.HTTPTimeoutSeconds)
	cfg.RequestSpacing = seconds(c.RequestSpacingSeconds)
	cfg.Retry = tdx.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   seconds(c.RetryBaseDelaySeconds),
		MaxDelay:    seconds(c.RetryMaxDelaySeconds),
	}
	cfg.Bulk = tdx.BulkPolicy{
		Enabled:         c.BulkEnabled,
		MaxPagesPerCall: c.BulkMaxPagesPerCall,
		MaxTimePerCall:  seconds(c.BulkMaxSecondsPerCall),
	}
	cfg.StaticTTL = time.Duration(c.StaticTTLSeconds) * time.Second
	cfg.BikeAvailabilityTTL = time.Duration(c.BikeAvailabilityTTLSeconds) * time.Second
	cfg.ParkingAvailabilityTTL = time.Duration(c.ParkingAvailabilityTTLSeconds) * time.Second
	cfg.ETATTL = time.Duration(c.BusETATTLSeconds) * time.Second
	return cfg
}
