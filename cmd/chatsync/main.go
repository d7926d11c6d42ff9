package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Operator bool   `toml:"operator"`
}

// envOverrides are applied on top of the file. Empty variables are ignored.
type envOverrides struct {
	BaseURL  string `env:"CHATSYNC_BASE_URL"`
	LogLevel string `env:"CHATSYNC_LOG_LEVEL"`
	Token    string `env:"CHATSYNC_TOKEN"`
	UserID   string `env:"CHATSYNC_USER_ID"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
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

// readConfigFile reads and parses the config file without environment
// overrides. A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
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

// loadConfig returns the effective configuration: the file, then CHATSYNC_*
// variables on top.
func loadConfig() (*Config, error) {
	cfg, _, err := effectiveConfig()
	return cfg, err
}

// effectiveConfig is loadConfig plus the variable that set each overridden
// key, keyed by dot notation.
func effectiveConfig() (*Config, map[string]string, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, nil, err
	}
	fromEnv, err := applyEnv(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fromEnv, nil
}

func applyEnv(cfg *Config) (map[string]string, error) {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	fromEnv := make(map[string]string)
	override := func(dst *string, v, key, name string) {
		if v != "" {
			*dst = v
			fromEnv[key] = name
		}
	}
	override(&cfg.Default.BaseURL, o.BaseURL, "default.base_url", "CHATSYNC_BASE_URL")
	override(&cfg.Default.LogLevel, o.LogLevel, "default.log_level", "CHATSYNC_LOG_LEVEL")
	override(&cfg.Auth.Token, o.Token, "auth.token", "CHATSYNC_TOKEN")
	override(&cfg.Auth.UserID, o.UserID, "auth.user_id", "CHATSYNC_USER_ID")
	return fromEnv, nil
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

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "operator":
			switch strings.ToLower(value) {
			case "true", "1", "yes":
				cfg.Auth.Operator = true
			case "false", "0", "no":
				cfg.Auth.Operator = false
			default:
				return fmt.Errorf("operator must be true or false, got %q", value)
			}
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

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Conversation sync CLI",
	Long:          "Command-line client for a chat backend.\nList conversations, follow one live, send and moderate messages.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
