// Package config provides configuration loading for the agent.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/smartmob-project/smartmob-agent/internal/workspace"
)

// DefaultLoggingEndpoint is used when neither the flag nor the
// environment provide one.
const DefaultLoggingEndpoint = "file:///dev/stdout"

// Config holds all configuration for the agent.
type Config struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	LogFormat       string `mapstructure:"log_format"`
	UTC             bool   `mapstructure:"utc"`
	LoggingEndpoint string `mapstructure:"logging_endpoint"`
	Workspace       string `mapstructure:"workspace"`
}

// Addr returns the listen address string.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load resolves configuration from flags, SMARTMOB_* environment
// variables and defaults, in that order of precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SMARTMOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_format", "kv")
	v.SetDefault("utc", false)
	v.SetDefault("logging_endpoint", "")
	v.SetDefault("workspace", workspace.DefaultRoot)

	// Environment fallback needs explicit binding for keys that only
	// exist as flags.
	v.BindEnv("logging_endpoint", "SMARTMOB_LOGGING_ENDPOINT")

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if cfg.LogFormat != "kv" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	if cfg.LoggingEndpoint == "" {
		cfg.LoggingEndpoint = DefaultLoggingEndpoint
	}
	return &cfg, nil
}

// bindFlags maps dashed flag names onto config keys, binding only flags
// the user actually set so environment values are not masked by flag
// defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if e := v.BindPFlag(key, f); e != nil && err == nil {
			err = e
		}
	})
	return err
}
