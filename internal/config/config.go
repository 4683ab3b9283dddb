// Package config loads the core's runtime configuration the way the
// teacher's internal/config and internal/labelmutex/policy.go load
// theirs: spf13/viper layered over a YAML or TOML file, with
// environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
)

// Provision controls remote schema provisioning on startup.
type Provision struct {
	Force bool `mapstructure:"force" toml:"force" yaml:"force"`
}

// Config is the core's top-level configuration struct (spec §6). The
// toml/yaml struct tags back `wispd config init`, which marshals a
// Config directly with BurntSushi/toml or gopkg.in/yaml.v3 rather than
// going back through viper, so a freshly scaffolded config file uses
// the same snake_case keys Load expects back.
type Config struct {
	RemoteURL       string    `mapstructure:"remote_url" toml:"remote_url" yaml:"remote_url"`
	LocalDBName     string    `mapstructure:"local_db_name" toml:"local_db_name" yaml:"local_db_name"`
	StorageStrategy string    `mapstructure:"storage_strategy" toml:"storage_strategy" yaml:"storage_strategy"`
	Namespace       string    `mapstructure:"namespace" toml:"namespace" yaml:"namespace"`
	Database        string    `mapstructure:"database" toml:"database" yaml:"database"`
	Provision       Provision `mapstructure:"provision" toml:"provision" yaml:"provision"`
	LogLevel        string    `mapstructure:"log_level" toml:"log_level" yaml:"log_level"`

	RedisURL       string        `mapstructure:"redis_url" toml:"redis_url" yaml:"redis_url"`
	NatsURL        string        `mapstructure:"nats_url" toml:"nats_url" yaml:"nats_url"`
	SocketPath     string        `mapstructure:"socket_path" toml:"socket_path" yaml:"socket_path"`
	DrainTick      time.Duration `mapstructure:"drain_tick" toml:"drain_tick" yaml:"drain_tick"`
	IncantationTTL time.Duration `mapstructure:"incantation_ttl" toml:"incantation_ttl" yaml:"incantation_ttl"`
}

func defaults() Config {
	return Config{
		LocalDBName:     "wisp.db",
		StorageStrategy: "sqlite",
		Namespace:       "wisp",
		Database:        "wisp",
		LogLevel:        "info",
		NatsURL:         nats.DefaultURL,
		SocketPath:      "wisp.sock",
		DrainTick:       2 * time.Second,
		IncantationTTL:  90 * time.Second,
	}
}

// Load reads configuration from path (yaml or toml, inferred from its
// extension) layered over the built-in defaults, with WISP_-prefixed
// environment variables taking precedence over the file, mirroring
// the teacher's BEADS_-prefixed env-override convention.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := defaults()

	v.SetDefault("local_db_name", cfg.LocalDBName)
	v.SetDefault("storage_strategy", cfg.StorageStrategy)
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("nats_url", cfg.NatsURL)
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("drain_tick", cfg.DrainTick)
	v.SetDefault("incantation_ttl", cfg.IncantationTTL)

	v.SetEnvPrefix("WISP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	out := defaults()
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &out, nil
}
