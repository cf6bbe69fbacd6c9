package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FLOWROOM"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "flowroom.db"
	defaultLogLevel          = "info"
	defaultIdleTimeout       = 5 * time.Minute
	defaultSweepInterval     = 60 * time.Second
	defaultMaxMessageBytes   = 1 << 20
	defaultSendBuffer        = 256
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	defaultSessionIssuer     = "tauth"
	defaultCookieName        = "app_session"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	MaxMessageBytes   int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionRequired      bool
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
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("room.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("room.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("ws.send_buffer", defaultSendBuffer)
	configViper.SetDefault("ws.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("ws.message_burst", defaultMessageBurst)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.required", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		IdleTimeout:          configViper.GetDuration("room.idle_timeout"),
		SweepInterval:        configViper.GetDuration("room.sweep_interval"),
		MaxMessageBytes:      configViper.GetInt64("ws.max_message_bytes"),
		SendBuffer:           configViper.GetInt("ws.send_buffer"),
		MessagesPerSecond:    configViper.GetFloat64("ws.messages_per_second"),
		MessageBurst:         configViper.GetInt("ws.message_burst"),
		SessionSigningSecret: configViper.GetString("auth.signing_secret"),
		SessionIssuer:        configViper.GetString("auth.issuer"),
		SessionCookieName:    configViper.GetString("auth.cookie_name"),
		SessionRequired:      configViper.GetBool("auth.required"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionsEnabled reports whether session tokens are validated on upgrade.
func (c AppConfig) SessionsEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("room.idle_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("room.sweep_interval must be positive")
	}
	if c.SweepInterval > c.IdleTimeout {
		return fmt.Errorf("room.sweep_interval must not exceed room.idle_timeout")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("ws.max_message_bytes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("ws.messages_per_second and ws.message_burst must be positive")
	}
	if c.SessionRequired && !c.SessionsEnabled() {
		return fmt.Errorf("auth.required needs auth.signing_secret")
	}
	if c.SessionsEnabled() {
		if strings.TrimSpace(c.SessionIssuer) == "" {
			return fmt.Errorf("auth.issuer is required")
		}
		if strings.TrimSpace(c.SessionCookieName) == "" {
			return fmt.Errorf("auth.cookie_name is required")
		}
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
