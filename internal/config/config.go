package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COEDIT"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "coedit.db"
	defaultLogLevel            = "info"
	defaultDebounceWindow      = 1000 * time.Millisecond
	defaultHeartbeatInterval   = 30 * time.Second
	defaultStalenessMultiplier = 3
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	SessionSigningKey   string
	DatabasePath        string
	LogLevel            string
	DebounceWindow      time.Duration
	HeartbeatInterval   time.Duration
	StalenessMultiplier int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.debounce_window", defaultDebounceWindow)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.staleness_multiplier", defaultStalenessMultiplier)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		SessionSigningKey:   configViper.GetString("session.signing_secret"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		DebounceWindow:      configViper.GetDuration("sync.debounce_window"),
		HeartbeatInterval:   configViper.GetDuration("presence.heartbeat_interval"),
		StalenessMultiplier: configViper.GetInt("presence.staleness_multiplier"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_window must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval must be positive")
	}
	if c.StalenessMultiplier <= 0 {
		return fmt.Errorf("presence.staleness_multiplier must be positive")
	}
	return nil
}
