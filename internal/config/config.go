// Package config loads service configuration from config.yaml and the
// environment, environment taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/siva9177/codeblue/pkg/models"
)

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents PostgreSQL configuration
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// RedisConfig represents the optional roster cache configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	RosterTTL time.Duration `mapstructure:"roster_ttl"`
}

// KafkaConfig represents the optional timeline stream configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DispatchConfig represents notification retry policy
type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// DirectoryConfig represents on-duty lookup retry policy and the static
// development rosters, keyed by tier selector
type DirectoryConfig struct {
	LookupRetries int                 `mapstructure:"lookup_retries"`
	RetryDelay    time.Duration       `mapstructure:"retry_delay"`
	Rosters       map[string][]string `mapstructure:"rosters"`
}

// TierConfig is one escalation step as written in config.yaml
type TierConfig struct {
	Selector string        `mapstructure:"selector"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PolicyConfig is one escalation chain as written in config.yaml. Facility is
// an optional UUID string; empty matches any facility.
type PolicyConfig struct {
	Facility string       `mapstructure:"facility"`
	Category string       `mapstructure:"category"`
	Tiers    []TierConfig `mapstructure:"tiers"`
}

// EscalationConfig represents the configured escalation chains
type EscalationConfig struct {
	Policies     []PolicyConfig `mapstructure:"policies"`
	DefaultTiers []TierConfig   `mapstructure:"default_tiers"`
}

// Config represents the full service configuration
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Escalation EscalationConfig `mapstructure:"escalation"`
}

// LoadConfig reads config.yaml (searched in ., ./config, /etc/codeblue) and
// applies CODEBLUE_-prefixed environment overrides
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/codeblue")

	v.SetEnvPrefix("CODEBLUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use default and environment values
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.dsn", "host=localhost port=5432 user=codeblue password=codeblue dbname=codeblue sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.roster_ttl", 30*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "codeblue.timeline")

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_base", 2*time.Second)
	v.SetDefault("dispatch.backoff_max", 30*time.Second)
	v.SetDefault("dispatch.attempt_timeout", 10*time.Second)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.queue_size", 1024)

	v.SetDefault("directory.lookup_retries", 2)
	v.SetDefault("directory.retry_delay", 500*time.Millisecond)

	v.SetDefault("escalation.default_tiers", []map[string]interface{}{
		{"selector": "nurse_on_duty", "timeout": "2m"},
		{"selector": "charge_nurse", "timeout": "3m"},
		{"selector": "department_head", "timeout": "5m"},
	})
}

// Validate checks the loaded configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if len(c.Escalation.DefaultTiers) == 0 && len(c.Escalation.Policies) == 0 {
		return fmt.Errorf("escalation config must define default_tiers or at least one policy")
	}
	for _, p := range c.Escalation.Policies {
		if p.Facility != "" {
			if _, err := uuid.Parse(p.Facility); err != nil {
				return fmt.Errorf("escalation policy has invalid facility id %q: %w", p.Facility, err)
			}
		}
		if !models.AlertCategory(p.Category).Valid() {
			return fmt.Errorf("escalation policy has unknown category %q", p.Category)
		}
		if len(p.Tiers) == 0 {
			return fmt.Errorf("escalation policy for category %q has no tiers", p.Category)
		}
		for _, t := range p.Tiers {
			if t.Selector == "" || t.Timeout <= 0 {
				return fmt.Errorf("escalation policy for category %q has an invalid tier", p.Category)
			}
		}
	}
	for _, t := range c.Escalation.DefaultTiers {
		if t.Selector == "" || t.Timeout <= 0 {
			return fmt.Errorf("escalation default_tiers contains an invalid tier")
		}
	}
	for selector, members := range c.Directory.Rosters {
		for _, m := range members {
			if _, err := uuid.Parse(m); err != nil {
				return fmt.Errorf("directory roster %q has invalid member id %q: %w", selector, m, err)
			}
		}
	}
	return nil
}

// Policies converts the configured chains into domain escalation policies
func (c *Config) Policies() []models.EscalationPolicy {
	out := make([]models.EscalationPolicy, 0, len(c.Escalation.Policies))
	for _, p := range c.Escalation.Policies {
		policy := models.EscalationPolicy{
			Category: models.AlertCategory(p.Category),
			Tiers:    toTiers(p.Tiers),
		}
		if p.Facility != "" {
			id, err := uuid.Parse(p.Facility)
			if err != nil {
				continue // rejected by Validate
			}
			policy.FacilityID = &id
		}
		out = append(out, policy)
	}
	return out
}

// Rosters converts the configured static rosters into recipient IDs.
// Entries that do not parse as UUIDs are rejected by Validate.
func (c *Config) Rosters() map[string][]uuid.UUID {
	out := make(map[string][]uuid.UUID, len(c.Directory.Rosters))
	for selector, members := range c.Directory.Rosters {
		ids := make([]uuid.UUID, 0, len(members))
		for _, m := range members {
			id, err := uuid.Parse(m)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		out[selector] = ids
	}
	return out
}

// DefaultTiers converts the configured fallback chain
func (c *Config) DefaultTiers() []models.EscalationTier {
	return toTiers(c.Escalation.DefaultTiers)
}

func toTiers(in []TierConfig) []models.EscalationTier {
	tiers := make([]models.EscalationTier, 0, len(in))
	for _, t := range in {
		tiers = append(tiers, models.EscalationTier{Selector: t.Selector, Timeout: t.Timeout})
	}
	return tiers
}
