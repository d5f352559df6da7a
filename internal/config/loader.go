package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "MARKETCHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "marketchat.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("MARKETCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so env vars are honoured even when the
// file omits them.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.prefix", cfg.API.Prefix)
	v.SetDefault("api.timeout", cfg.API.Timeout)

	v.SetDefault("realtime.url", cfg.Realtime.URL)
	v.SetDefault("realtime.subscribe_prefix", cfg.Realtime.SubscribePrefix)
	v.SetDefault("realtime.publish_destination", cfg.Realtime.PublishDestination)
	v.SetDefault("realtime.handshake_timeout", cfg.Realtime.HandshakeTimeout)
	v.SetDefault("realtime.heartbeat", cfg.Realtime.HeartBeat)
	v.SetDefault("realtime.publish_rate", cfg.Realtime.PublishRate)
	v.SetDefault("realtime.publish_burst", cfg.Realtime.PublishBurst)
	v.SetDefault("realtime.reconnect.initial_delay", cfg.Realtime.Reconnect.InitialDelay)
	v.SetDefault("realtime.reconnect.max_delay", cfg.Realtime.Reconnect.MaxDelay)
	v.SetDefault("realtime.reconnect.multiplier", cfg.Realtime.Reconnect.Multiplier)
	v.SetDefault("realtime.reconnect.jitter", cfg.Realtime.Reconnect.Jitter)
	v.SetDefault("realtime.reconnect.max_attempts", cfg.Realtime.Reconnect.MaxAttempts)

	v.SetDefault("chat.page_size", cfg.Chat.PageSize)

	v.SetDefault("session.backend", cfg.Session.Backend)
	v.SetDefault("session.key", cfg.Session.Key)
	v.SetDefault("session.path", cfg.Session.Path)
	v.SetDefault("session.redis_addr", cfg.Session.RedisAddr)
	v.SetDefault("session.redis_password", cfg.Session.RedisPassword)
	v.SetDefault("session.redis_db", cfg.Session.RedisDB)
	v.SetDefault("session.redis_prefix", cfg.Session.RedisPrefix)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("log_level", cfg.LogLevel)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
