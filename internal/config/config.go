package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DUET"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "duet.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "duet_session"
	defaultTokenIssuer        = "duet-auth"
	defaultSaveDebounce       = 3 * time.Second
	defaultEvictGrace         = 30 * time.Second
	defaultMaxResidentDocs    = 1024
	defaultSessionLookup      = 5 * time.Second
	defaultFanoutMaxReconnect = 10
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	RedisAddress       string
	LogLevel           string
	SigningSecret      string
	TokenIssuer        string
	CookieName         string
	SaveDebounce       time.Duration
	EvictGrace         time.Duration
	MaxResidentDocs    int
	SessionLookup      time.Duration
	FanoutMaxReconnect int
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
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.save_debounce", defaultSaveDebounce)
	configViper.SetDefault("sync.evict_grace", defaultEvictGrace)
	configViper.SetDefault("sync.max_resident_docs", defaultMaxResidentDocs)
	configViper.SetDefault("sync.session_lookup_timeout", defaultSessionLookup)
	configViper.SetDefault("fanout.max_reconnect_attempts", defaultFanoutMaxReconnect)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		RedisAddress:       configViper.GetString("redis.address"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.token_issuer"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		SaveDebounce:       configViper.GetDuration("sync.save_debounce"),
		EvictGrace:         configViper.GetDuration("sync.evict_grace"),
		MaxResidentDocs:    configViper.GetInt("sync.max_resident_docs"),
		SessionLookup:      configViper.GetDuration("sync.session_lookup_timeout"),
		FanoutMaxReconnect: configViper.GetInt("fanout.max_reconnect_attempts"),
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
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("sync.save_debounce must be positive")
	}
	if c.EvictGrace < 0 {
		return fmt.Errorf("sync.evict_grace must not be negative")
	}
	if c.MaxResidentDocs <= 0 {
		return fmt.Errorf("sync.max_resident_docs must be positive")
	}
	if c.SessionLookup <= 0 {
		return fmt.Errorf("sync.session_lookup_timeout must be positive")
	}
	return nil
}
