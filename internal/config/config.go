package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SENSORFARM"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "sensorfarm.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "sensorfarm-auth"
	defaultAudience          = "sensorfarm-api"
	defaultTokenTTLMinutes   = 60
	defaultStorageOrigin     = "http://localhost:8080"
	defaultRedirectGrace     = time.Second
	defaultLogoutRetryDelay  = time.Second
	defaultDefaultAvatarPath = "./images/africa_numbers_cover.jpg"
)

// AppConfig captures runtime configuration for the API server and the headless client.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	Issuer           string
	Audience         string
	TokenTTL         time.Duration
	StorageOrigin    string
	RedirectGrace    time.Duration
	LogoutRetryDelay time.Duration
	DefaultAvatar    string
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.origin", defaultStorageOrigin)
	configViper.SetDefault("session.redirect_grace", defaultRedirectGrace)
	configViper.SetDefault("session.logout_retry_delay", defaultLogoutRetryDelay)
	configViper.SetDefault("display.default_avatar", defaultDefaultAvatarPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		Issuer:           configViper.GetString("auth.issuer"),
		Audience:         configViper.GetString("auth.audience"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		StorageOrigin:    configViper.GetString("storage.origin"),
		RedirectGrace:    configViper.GetDuration("session.redirect_grace"),
		LogoutRetryDelay: configViper.GetDuration("session.logout_retry_delay"),
		DefaultAvatar:    configViper.GetString("display.default_avatar"),
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
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.StorageOrigin) == "" {
		return fmt.Errorf("storage.origin is required")
	}
	if c.RedirectGrace < 0 || c.LogoutRetryDelay < 0 {
		return fmt.Errorf("session delays must not be negative")
	}
	return nil
}
