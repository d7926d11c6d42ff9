package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_BASE_URL, CHATSYNC_TOKEN, CHATSYNC_USER_ID and CHATSYNC_LOG_LEVEL override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting as the other commands see it. Values set by CHATSYNC_* variables are marked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, fromEnv, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && len(fromEnv) == 0 {
			fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
			return nil
		}
		fmt.Printf("# %s\n", path)
		writeSettings(os.Stdout, cfg, fromEnv)
		return nil
	},
}

// writeSettings prints one "key = value" line per setting. The token is masked.
func writeSettings(w io.Writer, cfg *Config, fromEnv map[string]string) {
	settings := []struct{ key, value string }{
		{"default.base_url", valueOrDefault(cfg.Default.BaseURL, "(default)")},
		{"default.log_level", valueOrDefault(cfg.Default.LogLevel, "(default)")},
		{"auth.token", maskKey(cfg.Auth.Token)},
		{"auth.user_id", cfg.Auth.UserID},
		{"auth.operator", strconv.FormatBool(cfg.Auth.Operator)},
	}
	for _, s := range settings {
		if name, ok := fromEnv[s.key]; ok {
			fmt.Fprintf(w, "%-18s = %s  (from %s)\n", s.key, s.value, name)
			continue
		}
		fmt.Fprintf(w, "%-18s = %s\n", s.key, s.value)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the file using dot notation. Environment overrides are not written.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if name, ok := envShadow(key); ok && os.Getenv(name) != "" {
			fmt.Printf("Set %s in the file; %s still overrides it\n", key, name)
			return nil
		}
		fmt.Printf("Set %s\n", key)
		return nil
	},
}

// envShadow returns the variable that overrides key, if any.
func envShadow(key string) (string, bool) {
	switch key {
	case "default.base_url":
		return "CHATSYNC_BASE_URL", true
	case "default.log_level":
		return "CHATSYNC_LOG_LEVEL", true
	case "auth.token":
		return "CHATSYNC_TOKEN", true
	case "auth.user_id":
		return "CHATSYNC_USER_ID", true
	}
	return "", false
}
