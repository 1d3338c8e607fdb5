package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "CURSOR_USAGE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "cursor_usage.db"
	defaultLogLevel         = "info"
	defaultOfflineThreshold = 60
	defaultSweepPeriod      = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	OfflineThreshold time.Duration
	SweepPeriod      time.Duration
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
	configViper.SetDefault("presence.offline_threshold", defaultOfflineThreshold)
	configViper.SetDefault("presence.sweep_period", defaultSweepPeriod)
}

// Load parses runtime configuration from viper. Durations are configured in
// seconds. The signing secret is optional: when empty, ingress runs
// unauthenticated.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		OfflineThreshold: time.Duration(configViper.GetInt("presence.offline_threshold")) * time.Second,
		SweepPeriod:      time.Duration(configViper.GetInt("presence.sweep_period")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.OfflineThreshold <= 0 {
		return fmt.Errorf("presence.offline_threshold must be positive")
	}
	if c.SweepPeriod <= 0 {
		return fmt.Errorf("presence.sweep_period must be positive")
	}
	return nil
}
