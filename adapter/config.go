package osd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment selects the backend the display talks to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

var defaultServerURLs = map[Environment]string{
	EnvDevelopment: "http://localhost:3000",
	EnvStaging:     "https://staging-api.osd-kiosk.io",
	EnvProduction:  "https://api.osd-kiosk.io",
}

// Config holds every tunable of the real-time connection subsystem.
// All values are constants for the lifetime of a process.
type Config struct {
	Environment Environment `mapstructure:"environment"`
	ServerURL   string      `mapstructure:"server_url"`
	TokenPath   string      `mapstructure:"token_path"`
	OrdersPath  string      `mapstructure:"orders_path"`
	DeviceID    string      `mapstructure:"device_id"`
	StoragePath string      `mapstructure:"storage_path"`

	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMissLimit int           `mapstructure:"heartbeat_miss_limit"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`

	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMinDelay    time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`

	TokenStaleThreshold time.Duration `mapstructure:"token_stale_threshold"`
	RotationInterval    time.Duration `mapstructure:"rotation_interval"`
	RotationRetryDelay  time.Duration `mapstructure:"rotation_retry_delay"`
	MaxRotationFailures int           `mapstructure:"max_rotation_failures"`

	InitialConnectAttempts  int           `mapstructure:"initial_connect_attempts"`
	InitialConnectBaseDelay time.Duration `mapstructure:"initial_connect_base_delay"`

	ResyncDebounce            time.Duration `mapstructure:"resync_debounce"`
	ReachabilityProbeInterval time.Duration `mapstructure:"reachability_probe_interval"`

	LogLevel       string `mapstructure:"log_level"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

const (
	DefaultHeartbeatInterval       = 15 * time.Second
	DefaultHeartbeatMissLimit      = 3
	DefaultConnectTimeout          = 10 * time.Second
	DefaultAuthTimeout             = 10 * time.Second
	DefaultWriteTimeout            = 5 * time.Second
	DefaultReconnectBaseDelay      = 3 * time.Second
	DefaultReconnectMinDelay       = 2 * time.Second
	DefaultReconnectMaxDelay       = 30 * time.Second
	DefaultMaxReconnectAttempts    = 10
	DefaultTokenStaleThreshold     = 7 * 24 * time.Hour
	DefaultRotationInterval        = 6 * time.Hour
	DefaultRotationRetryDelay      = time.Minute
	DefaultMaxRotationFailures     = 3
	DefaultInitialConnectAttempts  = 5
	DefaultInitialConnectBaseDelay = 2 * time.Second
	DefaultResyncDebounce          = time.Second
	DefaultReachabilityInterval    = 5 * time.Second
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"environment":                 string(EnvProduction),
		"server_url":                  "",
		"token_path":                  "/token",
		"orders_path":                 "/orders",
		"device_id":                   "",
		"storage_path":                "data",
		"heartbeat_interval":          DefaultHeartbeatInterval,
		"heartbeat_miss_limit":        DefaultHeartbeatMissLimit,
		"connect_timeout":             DefaultConnectTimeout,
		"auth_timeout":                DefaultAuthTimeout,
		"write_timeout":               DefaultWriteTimeout,
		"reconnect_base_delay":        DefaultReconnectBaseDelay,
		"reconnect_min_delay":         DefaultReconnectMinDelay,
		"reconnect_max_delay":         DefaultReconnectMaxDelay,
		"max_reconnect_attempts":      DefaultMaxReconnectAttempts,
		"token_stale_threshold":       DefaultTokenStaleThreshold,
		"rotation_interval":           DefaultRotationInterval,
		"rotation_retry_delay":        DefaultRotationRetryDelay,
		"max_rotation_failures":       DefaultMaxRotationFailures,
		"initial_connect_attempts":    DefaultInitialConnectAttempts,
		"initial_connect_base_delay":  DefaultInitialConnectBaseDelay,
		"resync_debounce":             DefaultResyncDebounce,
		"reachability_probe_interval": DefaultReachabilityInterval,
		"log_level":                   "info",
		"metrics_address":             "",
	}
}

// DefaultConfig returns the production defaults without reading any file or environment.
func DefaultConfig() *Config {
	cfg, err := load(viper.New())
	if err != nil {
		// defaults are static and always valid
		panic(fmt.Sprintf("osd: invalid default configuration: %v", err))
	}
	return cfg
}

// LoadConfig reads configuration from an optional file plus OSD_* environment
// variables. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix("OSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = defaultServerURLs[cfg.Environment]
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and URL shapes.
func (c *Config) Validate() error {
	if _, ok := defaultServerURLs[c.Environment]; !ok {
		return fmt.Errorf("invalid environment %q (must be development, staging or production)", c.Environment)
	}
	if err := validateURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if !strings.HasPrefix(c.TokenPath, "/") || !strings.HasPrefix(c.OrdersPath, "/") {
		return errors.New("token_path and orders_path must start with /")
	}

	positive := map[string]time.Duration{
		"heartbeat_interval":          c.HeartbeatInterval,
		"connect_timeout":             c.ConnectTimeout,
		"auth_timeout":                c.AuthTimeout,
		"write_timeout":               c.WriteTimeout,
		"reconnect_base_delay":        c.ReconnectBaseDelay,
		"reconnect_min_delay":         c.ReconnectMinDelay,
		"reconnect_max_delay":         c.ReconnectMaxDelay,
		"token_stale_threshold":       c.TokenStaleThreshold,
		"rotation_interval":           c.RotationInterval,
		"rotation_retry_delay":        c.RotationRetryDelay,
		"initial_connect_base_delay":  c.InitialConnectBaseDelay,
		"reachability_probe_interval": c.ReachabilityProbeInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", key, d)
		}
	}
	if c.ResyncDebounce < 0 {
		return fmt.Errorf("invalid resync_debounce: %s", c.ResyncDebounce)
	}
	if c.ReconnectMinDelay > c.ReconnectMaxDelay {
		return errors.New("reconnect_min_delay exceeds reconnect_max_delay")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("invalid max_reconnect_attempts")
	}
	if c.MaxRotationFailures <= 0 {
		return errors.New("invalid max_rotation_failures")
	}
	if c.InitialConnectAttempts <= 0 {
		return errors.New("invalid initial_connect_attempts")
	}
	if c.HeartbeatMissLimit < 0 {
		return errors.New("invalid heartbeat_miss_limit")
	}
	return nil
}

// TokenURL is the absolute token-issuing endpoint.
func (c *Config) TokenURL() string { return c.ServerURL + c.TokenPath }

// OrdersURL is the absolute authoritative order-list endpoint.
func (c *Config) OrdersURL() string { return c.ServerURL + c.OrdersPath }

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
