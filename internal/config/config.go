package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RuleStorePostgres = "postgres"
	RuleStoreSQLite   = "sqlite"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RuleStore      string        `mapstructure:"RULE_STORE"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	NATSURL        string        `mapstructure:"NATS_URL"`
	NATSSubject    string        `mapstructure:"NATS_SUBJECT"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	EvalTimeout    time.Duration `mapstructure:"EVAL_TIMEOUT"`
	BatchWorkers   int           `mapstructure:"BATCH_WORKERS"`
	DefaultRuleTTL int           `mapstructure:"DEFAULT_RULE_TTL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RULE_STORE", RuleStorePostgres)
	v.SetDefault("SQLITE_PATH", "logic-rules.db")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("NATS_SUBJECT", "logic.rules")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EVAL_TIMEOUT", "30s")
	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("DEFAULT_RULE_TTL", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"RULE_STORE", "SQLITE_PATH", "MIGRATIONS_DIR", "REDIS_URL", "NATS_URL", "NATS_SUBJECT",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "EVAL_TIMEOUT", "BATCH_WORKERS",
		"DEFAULT_RULE_TTL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.RuleStore == RuleStorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so bearer tokens are verified.
func (c *Config) Validate() error {
	if c.RuleStore != RuleStorePostgres && c.RuleStore != RuleStoreSQLite {
		return fmt.Errorf("RULE_STORE must be %q or %q, got %q", RuleStorePostgres, RuleStoreSQLite, c.RuleStore)
	}
	if c.RuleStore == RuleStoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when RULE_STORE is %q", RuleStoreSQLite)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.EvalTimeout < 0 {
		return fmt.Errorf("EVAL_TIMEOUT must not be negative")
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1, got %d", c.BatchWorkers)
	}
	if c.DefaultRuleTTL < 0 {
		return fmt.Errorf("DEFAULT_RULE_TTL must not be negative")
	}
	return nil
}
