// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	// Remote store. Both values are optional; without them the site runs with
	// data features disabled.
	SupabaseURL     string `mapstructure:"SUPABASE_URL"`
	SupabaseAnonKey string `mapstructure:"SUPABASE_ANON_KEY"`

	Port                  string `mapstructure:"PORT"`
	Env                   string `mapstructure:"APP_ENV"`
	AllowedOrigins        string `mapstructure:"ALLOWED_ORIGINS"`
	SiteURL               string `mapstructure:"SITE_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	SessionStorageKey     string `mapstructure:"SESSION_STORAGE_KEY"`
	SessionDir            string `mapstructure:"SESSION_DIR"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RefreshMarginSeconds  int    `mapstructure:"REFRESH_MARGIN_SECONDS"`
	VisitorIdleMinutes    int    `mapstructure:"VISITOR_IDLE_MINUTES"`
	CookieSecure          bool   `mapstructure:"COOKIE_SECURE"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampler  float64 `mapstructure:"TRACING_SAMPLER_RATIO"`

	// Local backend.
	DevstackPort string `mapstructure:"DEVSTACK_PORT"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	DBDriver     string `mapstructure:"DB_DRIVER"`
	SQLitePath   string `mapstructure:"SQLITE_PATH"`
	DBHost       string `mapstructure:"DB_HOST"`
	DBPort       string `mapstructure:"DB_PORT"`
	DBUser       string `mapstructure:"DB_USER"`
	DBPassword   string `mapstructure:"DB_PASSWORD"`
	DBName       string `mapstructure:"DB_NAME"`
	DBSSLMode    string `mapstructure:"DB_SSLMODE"`
	SeedCount    int    `mapstructure:"SEED_COUNT"`
}

const defaultJWTSecret = "devstack-secret-change-me"

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The config file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		slog.Info("loaded profile-specific configuration", slog.String("file", "config."+env+".yml"))
	}

	// Framework-prefixed names are what the site's deploy environment historically exported.
	_ = viper.BindEnv("SUPABASE_URL", "SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL")
	_ = viper.BindEnv("SUPABASE_ANON_KEY", "SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY")

	viper.SetDefault("SUPABASE_URL", "")
	viper.SetDefault("SUPABASE_ANON_KEY", "")
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	viper.SetDefault("SITE_URL", "http://localhost:8375")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("SESSION_STORAGE_KEY", "sb-auth-token")
	viper.SetDefault("SESSION_DIR", "")
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 10)
	viper.SetDefault("REFRESH_MARGIN_SECONDS", 60)
	viper.SetDefault("VISITOR_IDLE_MINUTES", 30)
	viper.SetDefault("COOKIE_SECURE", false)
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
	viper.SetDefault("DEVSTACK_PORT", "54321")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("SQLITE_PATH", "devstack.db")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "smallsite")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("SEED_COUNT", 0)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) normalize() {
	c.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.SupabaseURL), "/")
	c.SupabaseAnonKey = strings.TrimSpace(c.SupabaseAnonKey)
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.TracingExporter = strings.ToLower(strings.TrimSpace(c.TracingExporter))
}

// RemoteConfigured reports whether both remote store settings are present.
func (c *Config) RemoteConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// RequestTimeout is the deadline applied to a single remote call.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RefreshMargin is how long before expiry an access token is refreshed.
func (c *Config) RefreshMargin() time.Duration {
	return time.Duration(c.RefreshMarginSeconds) * time.Second
}

// VisitorIdle is how long an unused visitor client is kept alive.
func (c *Config) VisitorIdle() time.Duration {
	if c.VisitorIdleMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.VisitorIdleMinutes) * time.Minute
}

// MagicLinkRedirect is the URL magic-link emails send the browser back to.
func (c *Config) MagicLinkRedirect() string {
	return strings.TrimRight(c.SiteURL, "/") + "/auth/confirm"
}

// IsProduction reports whether the app runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.RefreshMarginSeconds < 0 {
		return errors.New("REFRESH_MARGIN_SECONDS must not be negative")
	}
	if c.VisitorIdleMinutes <= 0 {
		return errors.New("VISITOR_IDLE_MINUTES must be positive")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	switch c.TracingExporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be stdout or otlp, got %q", c.TracingExporter)
	}

	if !c.RemoteConfigured() {
		slog.Warn("SUPABASE_URL or SUPABASE_ANON_KEY is not set; data features are disabled")
	}

	if c.IsProduction() {
		if c.SiteURL == "" || strings.HasPrefix(c.SiteURL, "http://localhost") {
			return errors.New("SITE_URL must be the public site address in production")
		}
		if c.AllowedOrigins == "*" {
			slog.Warn("ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
		if !c.CookieSecure {
			slog.Warn("COOKIE_SECURE is disabled in production")
		}
	} else if c.JWTSecret == defaultJWTSecret {
		slog.Warn("JWT_SECRET uses the development default; only the local backend reads it")
	}

	return nil
}

// ValidateDevstack applies the stricter checks the local backend needs.
func (c *Config) ValidateDevstack() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 characters")
	}
	if c.DBDriver == "postgres" && c.DBName == "" {
		return errors.New("DB_NAME is required for postgres")
	}
	if c.DevstackPort == "" {
		return errors.New("DEVSTACK_PORT is required")
	}
	return nil
}
