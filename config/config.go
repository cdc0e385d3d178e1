package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeAuto   = "auto"
	ModeRelay  = "relay"
	ModeCloud  = "cloud"
	ModeDirect = "direct"

	EnvPrefix = "TAPSIGN"

	DefaultRelayURL       = "ws://127.0.0.1:32868/ws"
	DefaultOrigin         = "http://localhost"
	DefaultGatewayURL     = "wss://s1.halo-gateway.arx.org/ws?side=requestor"
	DefaultExecutorURL    = "https://halo-gateway.arx.org/e"
	DefaultAID            = "481199130e9f01"
	DefaultCardTimeout    = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// Config represents the complete client configuration
type Config struct {
	Mode      string        `mapstructure:"mode"`
	NativeNFC bool          `mapstructure:"native_nfc"`
	Relay     RelayConfig   `mapstructure:"relay"`
	Gateway   GatewayConfig `mapstructure:"gateway"`
	Direct    DirectConfig  `mapstructure:"direct"`
	Timeouts  TimeoutConfig `mapstructure:"timeouts"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
}

// RelayConfig points at the local relay bridging a USB reader
type RelayConfig struct {
	URL    string `mapstructure:"url"`
	Origin string `mapstructure:"origin"`
}

// GatewayConfig points at the hosted relay used for phone pairing
type GatewayConfig struct {
	URL         string `mapstructure:"url"`
	ExecutorURL string `mapstructure:"executor_url"`
}

// DirectConfig selects the in-process reader
type DirectConfig struct {
	Reader string `mapstructure:"reader"` // empty selects the first reader
	AID    string `mapstructure:"aid"`    // hex encoded applet AID
}

type TimeoutConfig struct {
	Card    time.Duration `mapstructure:"card"`
	Command time.Duration `mapstructure:"command"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeAuto)
	v.SetDefault("native_nfc", false)
	v.SetDefault("relay.url", DefaultRelayURL)
	v.SetDefault("relay.origin", DefaultOrigin)
	v.SetDefault("gateway.url", DefaultGatewayURL)
	v.SetDefault("gateway.executor_url", DefaultExecutorURL)
	v.SetDefault("direct.reader", "")
	v.SetDefault("direct.aid", DefaultAID)
	v.SetDefault("timeouts.card", DefaultCardTimeout)
	v.SetDefault("timeouts.command", DefaultCommandTimeout)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration from defaults, an optional YAML file, a .env file in
// the working directory and TAPSIGN_* environment variables, in increasing precedence.
func Load(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAuto, ModeRelay, ModeCloud, ModeDirect:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	if c.Relay.URL == "" {
		return errors.New("relay url must not be empty")
	}

	if c.Gateway.URL == "" || c.Gateway.ExecutorURL == "" {
		return errors.New("gateway url and executor url must not be empty")
	}

	if c.Timeouts.Card <= 0 || c.Timeouts.Command <= 0 {
		return errors.New("timeouts must be positive")
	}

	return nil
}
