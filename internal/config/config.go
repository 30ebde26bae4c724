package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"paperdeck-desktop/internal/logger"
	"paperdeck-desktop/internal/reconcile"
)

// Config is the application configuration, loaded from paperdeck.yaml in
// the user config directory with PAPERDECK_* environment overrides.
type Config struct {
	Logger logger.Config `mapstructure:"logger"`
	Engine EngineConfig  `mapstructure:"engine"`
}

// EngineConfig is the tuning surface of the reconciliation engine.
// Defaults mirror reconcile.DefaultConfig.
type EngineConfig struct {
	StallThresholdProgress  float64       `mapstructure:"stall_threshold_progress"`
	MaxStuckDuration        time.Duration `mapstructure:"max_stuck_duration"`
	PollBaseInterval        time.Duration `mapstructure:"poll_base_interval"`
	MaxPollInterval         time.Duration `mapstructure:"max_poll_interval"`
	MaxPollAttempts         int           `mapstructure:"max_poll_attempts"`
	NearCompletionThreshold float64       `mapstructure:"near_completion_threshold"`
}

// ReconcileConfig maps the configured values onto the engine config;
// unset fields keep the engine defaults.
func (e EngineConfig) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		StallThresholdProgress:  e.StallThresholdProgress,
		MaxStuckDuration:        e.MaxStuckDuration,
		PollBaseInterval:        e.PollBaseInterval,
		MaxPollInterval:         e.MaxPollInterval,
		MaxPollAttempts:         e.MaxPollAttempts,
		NearCompletionThreshold: e.NearCompletionThreshold,
	}
}

// Load reads configuration. A missing config file is fine: defaults plus
// environment variables apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("paperdeck")
	v.SetConfigType("yaml")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "paperdeck"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAPERDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")

	d := reconcile.DefaultConfig()
	v.SetDefault("engine.stall_threshold_progress", d.StallThresholdProgress)
	v.SetDefault("engine.max_stuck_duration", d.MaxStuckDuration)
	v.SetDefault("engine.poll_base_interval", d.PollBaseInterval)
	v.SetDefault("engine.max_poll_interval", d.MaxPollInterval)
	v.SetDefault("engine.max_poll_attempts", d.MaxPollAttempts)
	v.SetDefault("engine.near_completion_threshold", d.NearCompletionThreshold)
}
