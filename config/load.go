package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/calliopehq/calliope/errors"
)

// Load reads the calliope configuration using Viper.
// Precedence: defaults < config file < CALLIOPE_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("CALLIOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else {
		v.SetConfigName("calliope")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/calliope")
		// Missing config file is fine - defaults plus env vars are a
		// complete configuration
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &cfg, nil
}

// LoadWithViper loads configuration using a provided Viper instance (tests).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// SetDefaults installs defaults for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "calliope.db")

	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.group", "calliope-workers")
	v.SetDefault("worker.block_seconds", 5)
	v.SetDefault("worker.redeliver_idle_seconds", 60)
	v.SetDefault("worker.rate_limit_per_minute", 0)

	v.SetDefault("model.plain_timeout_seconds", 60)
	v.SetDefault("model.tool_timeout_seconds", 300)
	v.SetDefault("model.max_tool_iterations", 10)

	v.SetDefault("convo.ttl_hours", 24)
	v.SetDefault("convo.fallback_capacity", 256)
	v.SetDefault("convo.history_window", 20)

	v.SetDefault("notify.from", "")
	v.SetDefault("notify.api_endpoint", "")
	v.SetDefault("notify.smtp_host", "")
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.smtp_user", "")
}

// BindSensitiveEnvVars binds secrets to environment variables only.
// These values never come from (or go to) the config file on disk.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("notify.api_key", "CALLIOPE_NOTIFY_API_KEY")
	v.BindEnv("notify.smtp_pass", "CALLIOPE_NOTIFY_SMTP_PASS")
}
