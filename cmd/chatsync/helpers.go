package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

var errNoToken = errors.New("no session token; run 'chatsync init <token>' or set CHATSYNC_TOKEN")

// newLogger builds the stderr logger. Unknown levels fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// setup loads the effective config and builds an authenticated client.
func setup() (*Config, *chatsync.Client, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, nil, errNoToken
	}
	logger := newLogger(cfg.Default.LogLevel)

	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return cfg, chatsync.NewClient(cfg.Auth.Token, opts...), logger, nil
}

// newSession creates the session for the configured identity.
func newSession(cfg *Config, client *chatsync.Client) *chatsync.Session {
	s := chatsync.NewSession(cfg.Auth.UserID, cfg.Auth.Token, client)
	if cfg.Auth.Operator {
		s.SetPermissions(chatsync.OperatorPermissions)
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatMessage renders one log line.
func formatMessage(m chatsync.Message, name string) string {
	text := m.Body
	if m.Attachment != nil {
		if text != "" {
			text += " "
		}
		text += "[" + valueOrDefault(m.Attachment.URL, m.Attachment.Path) + "]"
	}
	return fmt.Sprintf("%s  %-16s %s  (%s)", m.CreatedAt.Local().Format(time.DateTime), name, text, m.ID)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
