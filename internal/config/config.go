package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TRADEWIND"
	defaultHTTPAddress     = "127.0.0.1:7400"
	defaultJournalDSN      = ":memory:"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultMaxRetries      = 3
	defaultRequestTimeout  = 10 * time.Second
	defaultTypingTTL       = 6 * time.Second
	defaultDedupSize       = 4096
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultRealtimeChannel = ""
)

// AppConfig captures runtime configuration for the sync sidecar.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	BackendBaseURL  string
	BackendToken    string
	MaxRetries      int
	RequestTimeout  time.Duration
	RealtimeURL     string
	RealtimeChannel string

	SessionSigningSecret string
	SessionIssuer        string

	JournalDSN string
	TypingTTL  time.Duration
	DedupSize  int

	LogLevel  string
	LogFormat string
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("backend.max_retries", defaultMaxRetries)
	configViper.SetDefault("backend.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("realtime.channel", defaultRealtimeChannel)
	configViper.SetDefault("realtime.typing_ttl", defaultTypingTTL)
	configViper.SetDefault("realtime.dedup_size", defaultDedupSize)
	configViper.SetDefault("journal.dsn", defaultJournalDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		BackendBaseURL:       strings.TrimSpace(configViper.GetString("backend.base_url")),
		BackendToken:         strings.TrimSpace(configViper.GetString("backend.token")),
		MaxRetries:           configViper.GetInt("backend.max_retries"),
		RequestTimeout:       configViper.GetDuration("backend.request_timeout"),
		RealtimeURL:          strings.TrimSpace(configViper.GetString("realtime.url")),
		RealtimeChannel:      strings.TrimSpace(configViper.GetString("realtime.channel")),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        strings.TrimSpace(configViper.GetString("session.issuer")),
		JournalDSN:           strings.TrimSpace(configViper.GetString("journal.dsn")),
		TypingTTL:            configViper.GetDuration("realtime.typing_ttl"),
		DedupSize:            configViper.GetInt("realtime.dedup_size"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if err := validateURL("backend.base_url", c.BackendBaseURL, "http", "https"); err != nil {
		return err
	}
	if c.RealtimeURL != "" {
		if err := validateURL("realtime.url", c.RealtimeURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}
	if c.BackendToken == "" {
		return fmt.Errorf("backend.token is required")
	}
	if c.JournalDSN == "" {
		return fmt.Errorf("journal.dsn is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", key, strings.Join(schemes, "/"))
}

// splitOrigins accepts both list values and a single comma separated value,
// which is how environment variables arrive.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
