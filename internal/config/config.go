package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "QUILL"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "quill.db"
	defaultLogLevel      = "info"
	defaultTokenIssuer   = "quill-auth"
	defaultTokenAudience = "quill-api"
	defaultTokenTTLMin   = 30
	defaultDebounceMs    = 2000
	defaultStalenessMs   = 10000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	TokenIssuer          string
	TokenAudience        string
	TokenTTL             time.Duration
	IdentityJWKSURL      string
	IdentityAudience     string
	IdentityIssuers      []string
	MetadataDebounce     time.Duration
	MetadataMaxStaleness time.Duration
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
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("sync.metadata_debounce_ms", defaultDebounceMs)
	configViper.SetDefault("sync.metadata_max_staleness_ms", defaultStalenessMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenIssuer:          configViper.GetString("auth.token_issuer"),
		TokenAudience:        configViper.GetString("auth.token_audience"),
		TokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IdentityJWKSURL:      configViper.GetString("identity.jwks_url"),
		IdentityAudience:     configViper.GetString("identity.audience"),
		IdentityIssuers:      configViper.GetStringSlice("identity.issuers"),
		MetadataDebounce:     time.Duration(configViper.GetInt("sync.metadata_debounce_ms")) * time.Millisecond,
		MetadataMaxStaleness: time.Duration(configViper.GetInt("sync.metadata_max_staleness_ms")) * time.Millisecond,
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
	if strings.TrimSpace(c.IdentityJWKSURL) == "" {
		return fmt.Errorf("identity.jwks_url is required")
	}
	if strings.TrimSpace(c.IdentityAudience) == "" {
		return fmt.Errorf("identity.audience is required")
	}
	if len(c.IdentityIssuers) == 0 {
		return fmt.Errorf("identity.issuers is required")
	}
	if c.MetadataDebounce <= 0 || c.MetadataMaxStaleness < c.MetadataDebounce {
		return fmt.Errorf("sync debounce configuration is invalid")
	}
	return nil
}
