package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ktoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tradepost/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL             string `toml:"base_url"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	LogLevel            string `toml:"log_level"`
}

// ConfigAuth holds the identity the CLI acts as.
type ConfigAuth struct {
	UserID    string `toml:"user_id"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tradepost, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tradepost")
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

// loadConfig builds the effective configuration from three layers: built-in
// defaults, then ~/.tradepost/config.toml, then TRADEPOST_* environment
// variables. A double underscore in an env var maps to the section separator,
// e.g. TRADEPOST_DEFAULT__BASE_URL overrides default.base_url.
func loadConfig() (*Config, error) {
	k := koanf.New(".")

	k.Load(confmap.Provider(map[string]any{
		"default.base_url":              "https://tradepost.example",
		"default.poll_interval_seconds": 30,
		"default.log_level":             "info",
	}, "."), nil)

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), ktoml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	k.Load(env.Provider("TRADEPOST_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TRADEPOST_")), "__", ".")
	}), nil)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "toml"}); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML. Only the file
// layer is persisted; env overrides stay ephemeral.
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

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "poll_interval_seconds":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
				return fmt.Errorf("poll_interval_seconds must be a positive integer")
			}
			cfg.Default.PollIntervalSeconds = n
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "token":
			cfg.Auth.Token = value
		case "token_file":
			cfg.Auth.TokenFile = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tradepost",
	Short: "Tradepost messaging CLI",
	Long:  "Command-line interface for Tradepost marketplace messaging.\nWatch the notification socket, poll conversations, and send messages.",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
