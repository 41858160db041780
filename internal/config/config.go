package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reviewdesk/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "REVIEWDESK"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "reviewdesk.db"
	defaultLogLevel            = "info"
	defaultAuthIssuer          = "reviewdesk-auth"
	defaultCookieName          = "app_session"
	defaultOAuthProvider       = "google"
	defaultRefreshBufferSecs   = 300
	defaultPlatformMode        = PlatformModeLive
	defaultRequestsPerSecond   = 5
	defaultBurst               = 5
	defaultPlatformTimeoutSecs = 30
	defaultRateWindowSecs      = 60
	defaultMaxRequests         = 60
	defaultAnalysisMaxRequests = 10
	defaultSyncMaxParallel     = 8

	PlatformModeLive = "live"
	PlatformModeDemo = "demo"
)

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// AuthConfig describes how dashboard sessions are validated.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// OAuthConfig describes the identity provider used to connect a platform account.
type OAuthConfig struct {
	Provider      string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	AuthURL       string
	TokenURL      string
	RefreshBuffer time.Duration
}

// PlatformConfig describes the external review platform.
type PlatformConfig struct {
	Mode              string
	AccountBaseURL    string
	BusinessBaseURL   string
	ReviewsBaseURL    string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// RateLimitConfig sizes the request governor policies.
type RateLimitConfig struct {
	Window              time.Duration
	DefaultMaxRequests  int
	AnalysisMaxRequests int
}

// AppConfig captures runtime configuration for the API server and CLI jobs.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	LogLevel        string
	Database        DatabaseConfig
	Auth            AuthConfig
	OAuth           OAuthConfig
	Platform        PlatformConfig
	RateLimit       RateLimitConfig
	SyncMaxParallel int
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("oauth.provider", defaultOAuthProvider)
	configViper.SetDefault("oauth.client_id", "")
	configViper.SetDefault("oauth.client_secret", "")
	configViper.SetDefault("oauth.redirect_url", "")
	configViper.SetDefault("oauth.auth_url", "")
	configViper.SetDefault("oauth.token_url", "")
	configViper.SetDefault("oauth.refresh_buffer_seconds", defaultRefreshBufferSecs)
	configViper.SetDefault("platform.mode", defaultPlatformMode)
	configViper.SetDefault("platform.account_base_url", "")
	configViper.SetDefault("platform.business_base_url", "")
	configViper.SetDefault("platform.reviews_base_url", "")
	configViper.SetDefault("platform.requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("platform.burst", defaultBurst)
	configViper.SetDefault("platform.timeout_seconds", defaultPlatformTimeoutSecs)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateWindowSecs)
	configViper.SetDefault("ratelimit.default_max_requests", defaultMaxRequests)
	configViper.SetDefault("ratelimit.analysis_max_requests", defaultAnalysisMaxRequests)
	configViper.SetDefault("sync.max_parallel", defaultSyncMaxParallel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		OAuth: OAuthConfig{
			Provider:      configViper.GetString("oauth.provider"),
			ClientID:      configViper.GetString("oauth.client_id"),
			ClientSecret:  configViper.GetString("oauth.client_secret"),
			RedirectURL:   configViper.GetString("oauth.redirect_url"),
			AuthURL:       configViper.GetString("oauth.auth_url"),
			TokenURL:      configViper.GetString("oauth.token_url"),
			RefreshBuffer: time.Duration(configViper.GetInt("oauth.refresh_buffer_seconds")) * time.Second,
		},
		Platform: PlatformConfig{
			Mode:              strings.ToLower(strings.TrimSpace(configViper.GetString("platform.mode"))),
			AccountBaseURL:    configViper.GetString("platform.account_base_url"),
			BusinessBaseURL:   configViper.GetString("platform.business_base_url"),
			ReviewsBaseURL:    configViper.GetString("platform.reviews_base_url"),
			RequestsPerSecond: configViper.GetFloat64("platform.requests_per_second"),
			Burst:             configViper.GetInt("platform.burst"),
			Timeout:           time.Duration(configViper.GetInt("platform.timeout_seconds")) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:              time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
			DefaultMaxRequests:  configViper.GetInt("ratelimit.default_max_requests"),
			AnalysisMaxRequests: configViper.GetInt("ratelimit.analysis_max_requests"),
		},
		SyncMaxParallel: configViper.GetInt("sync.max_parallel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// OAuthEnabled reports whether an identity provider client is configured.
func (c AppConfig) OAuthEnabled() bool {
	return strings.TrimSpace(c.OAuth.ClientID) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Platform.Mode {
	case PlatformModeLive:
		if !c.OAuthEnabled() {
			return fmt.Errorf("oauth.client_id is required in live platform mode")
		}
		if strings.TrimSpace(c.OAuth.ClientSecret) == "" {
			return fmt.Errorf("oauth.client_secret is required in live platform mode")
		}
		if strings.TrimSpace(c.OAuth.RedirectURL) == "" {
			return fmt.Errorf("oauth.redirect_url is required in live platform mode")
		}
	case PlatformModeDemo:
	default:
		return fmt.Errorf("platform.mode must be live or demo, got %q", c.Platform.Mode)
	}

	if c.OAuth.RefreshBuffer < 0 {
		return fmt.Errorf("oauth.refresh_buffer_seconds must not be negative")
	}
	if c.Platform.RequestsPerSecond <= 0 || c.Platform.Burst <= 0 {
		return fmt.Errorf("platform.requests_per_second and platform.burst must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	if c.RateLimit.DefaultMaxRequests <= 0 || c.RateLimit.AnalysisMaxRequests <= 0 {
		return fmt.Errorf("ratelimit max requests must be positive")
	}
	if c.SyncMaxParallel <= 0 {
		return fmt.Errorf("sync.max_parallel must be positive")
	}
	return nil
}
