// Package config loads runtime settings from defaults, an optional config
// file, and WAXWING_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the relay process.
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	DatabasePath   string        `mapstructure:"database_path"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	LogLevel       string        `mapstructure:"log_level"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "./chat.db")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("ping_interval", 54*time.Second)
}

// Load reads configuration, preferring environment variables over the
// optional waxwing.yaml in the working directory, over built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("waxwing")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("WAXWING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}

	return &cfg, nil
}
