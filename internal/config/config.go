package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Pricing  PricingConfig  `yaml:"pricing" mapstructure:"pricing"`
	Delivery DeliveryConfig `yaml:"delivery" mapstructure:"delivery"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For the sqlite driver,
// DatabaseURL is a file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AuthConfig holds the bearer token verification settings. The token
// subject is the caller identity.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
}

// PricingConfig configures readiness and the pricing engine collaborator.
type PricingConfig struct {
	// ReadyThreshold is the completeness score at which a case with no
	// blocking gap is ready to price.
	ReadyThreshold float64 `yaml:"ready_threshold" mapstructure:"ready_threshold"`
	EngineURL      string  `yaml:"engine_url" mapstructure:"engine_url"`
	EngineKey      string  `yaml:"engine_key" mapstructure:"engine_key"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// DeliveryConfig configures how sent quotations leave the system.
type DeliveryConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"` // "log" or "webhook"
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	From        string `yaml:"from" mapstructure:"from"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ExportConfig configures quotation document artifacts.
type ExportConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Locale  string `yaml:"locale" mapstructure:"locale"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("auth.issuer", "")
	v.SetDefault("pricing.ready_threshold", 0.8)
	v.SetDefault("pricing.engine_url", "http://localhost:9100")
	v.SetDefault("pricing.timeout_secs", 15)
	v.SetDefault("pricing.max_attempts", 2)
	v.SetDefault("pricing.rate_per_sec", 5.0)
	v.SetDefault("pricing.burst", 5)
	v.SetDefault("delivery.mode", "log")
	v.SetDefault("delivery.from", "quotes@localhost")
	v.SetDefault("delivery.timeout_secs", 15)
	v.SetDefault("delivery.max_attempts", 2)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.base_url", "http://localhost:8080/exports")
	v.SetDefault("export.locale", "fr-FR")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Mode is "serve",
// "cli" or "migrate". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "cli", "serve":
		if c.Pricing.ReadyThreshold < 0 || c.Pricing.ReadyThreshold > 1 {
			problems = append(problems, "pricing.ready_threshold must be between 0 and 1")
		}
		switch c.Delivery.Mode {
		case "log":
		case "webhook":
			if c.Delivery.WebhookURL == "" {
				problems = append(problems, "delivery.webhook_url is required in webhook mode")
			}
		default:
			problems = append(problems, fmt.Sprintf("delivery.mode %q is not log or webhook", c.Delivery.Mode))
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				problems = append(problems, "server.port must be > 0")
			}
			if c.Auth.JWTSecret == "" {
				problems = append(problems, "auth.jwt_secret is required")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
