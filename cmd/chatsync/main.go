package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Feed    ConfigFeed    `toml:"feed"`
	Typing  ConfigTyping  `toml:"typing"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the server address and identity.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	ActorID string `toml:"actor_id"`
}

// ConfigFeed selects the change-feed transport.
type ConfigFeed struct {
	Transport     string `toml:"transport"` // ws, sse or redis
	RedisURL      string `toml:"redis_url"`
	AutoReconnect bool   `toml:"auto_reconnect"`
}

// ConfigTyping holds typing presence durations, in time.ParseDuration form.
type ConfigTyping struct {
	TTL   string `toml:"ttl"`
	Quiet string `toml:"quiet"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// effectiveConfig is the config file with CHATSYNC_* environment overrides.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":       "default.base_url",
	"CHATSYNC_TOKEN":          "default.token",
	"CHATSYNC_ACTOR_ID":       "default.actor_id",
	"CHATSYNC_FEED_TRANSPORT": "feed.transport",
	"CHATSYNC_REDIS_URL":      "feed.redis_url",
	"CHATSYNC_AUTO_RECONNECT": "feed.auto_reconnect",
	"CHATSYNC_TYPING_TTL":     "typing.ttl",
	"CHATSYNC_TYPING_QUIET":   "typing.quiet",
	"CHATSYNC_LOG_LEVEL":      "log.level",
}

// applyEnv overrides config fields from the environment. Invalid values are
// ignored.
func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "actor_id":
			cfg.Default.ActorID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "feed":
		switch field {
		case "transport":
			switch value {
			case "ws", "sse", "redis":
			default:
				return fmt.Errorf("invalid transport %q (valid: ws, sse, redis)", value)
			}
			cfg.Feed.Transport = value
		case "redis_url":
			cfg.Feed.RedisURL = value
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean %q for feed.auto_reconnect", value)
			}
			cfg.Feed.AutoReconnect = b
		default:
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
	case "typing":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration %q for typing.%s", value, field)
		}
		switch field {
		case "ttl":
			cfg.Typing.TTL = value
		case "quiet":
			cfg.Typing.Quiet = value
		default:
			return fmt.Errorf("unknown field %q in section [typing]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, feed, typing, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat synchronization CLI",
	Long:  "Command-line client for the chatsync engine.\nTail conversations live, send messages, and manage configuration.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
