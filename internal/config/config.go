package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LATTICE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "lattice.db"
	defaultLogLevel     = "info"
	defaultTokenTTLMin  = 720
	defaultMaxAttempts  = 20
	defaultDebounceMS   = 500
	defaultCatchUpBatch = 256
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	DatabasePath     string
	LogLevel         string
	TokenTTL         time.Duration
	SyncMaxAttempts  int
	SynapseDebounce  time.Duration
	SynapseBatchSize int
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("sync.max_write_attempts", defaultMaxAttempts)
	configViper.SetDefault("synapse.debounce_ms", defaultDebounceMS)
	configViper.SetDefault("synapse.catch_up_batch", defaultCatchUpBatch)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SyncMaxAttempts:  configViper.GetInt("sync.max_write_attempts"),
		SynapseDebounce:  time.Duration(configViper.GetInt("synapse.debounce_ms")) * time.Millisecond,
		SynapseBatchSize: configViper.GetInt("synapse.catch_up_batch"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("sync.max_write_attempts must be positive")
	}
	if c.SynapseDebounce <= 0 {
		return fmt.Errorf("synapse.debounce_ms must be positive")
	}
	if c.SynapseBatchSize <= 0 {
		return fmt.Errorf("synapse.catch_up_batch must be positive")
	}
	return nil
}
